package tool

import (
	"github.com/hupe1980/convoloop/core"
)

// RecordTools builds the repository-backed tool set the agent uses to
// manipulate data: find, create, update and delete over named collections.
// Every call is checked against the access checker with the acting user
// before it touches the Repository.
func RecordTools(repo core.Repository, checker core.AccessChecker) []Tool {
	if checker == nil {
		checker = core.AllowAll{}
	}
	return []Tool{
		findRecordsTool(repo, checker),
		createRecordTool(repo, checker),
		updateRecordTool(repo, checker),
		deleteRecordTool(repo, checker),
	}
}

func findRecordsTool(repo core.Repository, checker core.AccessChecker) Tool {
	return NewFunctionTool(
		"find_records",
		"Find records in a collection. Supports equality filters, sorting, a result limit, and including related records.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection": map[string]any{"type": "string", "description": "Collection to search"},
				"filter":     map[string]any{"type": "object", "description": "Field equality filters"},
				"sort":       map[string]any{"type": "string", "description": "Sort field, prefix with - for descending"},
				"limit":      map[string]any{"type": "integer", "description": "Maximum records to return"},
				"include":    map[string]any{"type": "array", "description": "Relation names to include"},
			},
			"required": []any{"collection"},
		},
		func(toolCtx *Context, args map[string]any) (any, error) {
			collection, _ := args["collection"].(string)
			if err := checker.Allow(toolCtx.Context(), toolCtx.UserID(), "read", collection); err != nil {
				return nil, err
			}
			q := core.Query{Sort: stringArg(args, "sort"), Limit: intArg(args, "limit")}
			if filter, ok := args["filter"].(map[string]any); ok {
				q.Filter = filter
			}
			if include, ok := args["include"].([]any); ok {
				for _, name := range include {
					if s, ok := name.(string); ok {
						q.Include = append(q.Include, s)
					}
				}
			}
			records, err := repo.Find(toolCtx.Context(), collection, q)
			if err != nil {
				return nil, err
			}
			return map[string]any{"records": records, "count": len(records)}, nil
		},
	)
}

func createRecordTool(repo core.Repository, checker core.AccessChecker) Tool {
	return NewFunctionTool(
		"create_record",
		"Create a record in a collection.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection": map[string]any{"type": "string"},
				"record":     map[string]any{"type": "object", "description": "Field values for the new record"},
			},
			"required": []any{"collection", "record"},
		},
		func(toolCtx *Context, args map[string]any) (any, error) {
			collection, _ := args["collection"].(string)
			if err := checker.Allow(toolCtx.Context(), toolCtx.UserID(), "create", collection); err != nil {
				return nil, err
			}
			rec, _ := args["record"].(map[string]any)
			created, err := repo.Create(toolCtx.Context(), collection, core.Record(rec))
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": created}, nil
		},
	)
}

func updateRecordTool(repo core.Repository, checker core.AccessChecker) Tool {
	return NewFunctionTool(
		"update_record",
		"Update fields of an existing record by id.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection": map[string]any{"type": "string"},
				"id":         map[string]any{"type": "string"},
				"changes":    map[string]any{"type": "object", "description": "Fields to overwrite"},
			},
			"required": []any{"collection", "id", "changes"},
		},
		func(toolCtx *Context, args map[string]any) (any, error) {
			collection, _ := args["collection"].(string)
			if err := checker.Allow(toolCtx.Context(), toolCtx.UserID(), "update", collection); err != nil {
				return nil, err
			}
			changes, _ := args["changes"].(map[string]any)
			updated, err := repo.Update(toolCtx.Context(), collection, stringArg(args, "id"), core.Record(changes))
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": updated}, nil
		},
	)
}

func deleteRecordTool(repo core.Repository, checker core.AccessChecker) Tool {
	return NewFunctionTool(
		"delete_record",
		"Delete a record by id.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection": map[string]any{"type": "string"},
				"id":         map[string]any{"type": "string"},
			},
			"required": []any{"collection", "id"},
		},
		func(toolCtx *Context, args map[string]any) (any, error) {
			collection, _ := args["collection"].(string)
			if err := checker.Allow(toolCtx.Context(), toolCtx.UserID(), "delete", collection); err != nil {
				return nil, err
			}
			id := stringArg(args, "id")
			if err := repo.Delete(toolCtx.Context(), collection, id); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": id}, nil
		},
	)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
