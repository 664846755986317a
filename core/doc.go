// Package core defines the shared data model and capability contracts of
// convoloop: conversations, messages, tasks, agent configuration, the stream
// event vocabulary, the error taxonomy, and the narrow interfaces through
// which the engine talks to its external collaborators (Repository,
// Broadcaster, LeaseLocker, AccessChecker).
//
// Everything here is deliberately free of transport, storage and provider
// concerns so that higher packages (store, loop, engine, server) can be
// composed and tested against small fakes.
package core
