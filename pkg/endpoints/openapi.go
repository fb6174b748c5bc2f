package endpoints

import "strings"

// OpenAPIFragment returns a minimal OpenAPI 3 paths fragment describing
// one module's mounted endpoints. Fragments are cached per module and
// invalidated on register/unregister.
func (r *Registry) OpenAPIFragment(moduleName string) (map[string]any, bool) {
	if cached, ok := r.openAPI.Get(moduleName); ok {
		return cached, true
	}

	infos, ok := r.ModuleEndpoints(moduleName)
	if !ok {
		return nil, false
	}

	paths := make(map[string]any)
	for _, info := range infos {
		ops, _ := paths[info.FullPath].(map[string]any)
		if ops == nil {
			ops = make(map[string]any)
			paths[info.FullPath] = ops
		}
		op := map[string]any{
			"operationId": operationID(moduleName, info),
			"tags":        []string{moduleName},
			"responses": map[string]any{
				"200": map[string]any{"description": "module handler response"},
			},
		}
		if info.RequiresAuth {
			op["security"] = []map[string]any{{"bearerAuth": []string{}}}
		}
		ops[strings.ToLower(info.Method)] = op
	}

	fragment := map[string]any{
		"module": moduleName,
		"paths":  paths,
	}
	r.openAPI.Add(moduleName, fragment)
	return fragment, true
}

func operationID(moduleName string, info EndpointInfo) string {
	path := strings.Trim(strings.ReplaceAll(info.Path, "/", "_"), "_")
	return strings.ToLower(moduleName + "_" + info.Method + "_" + path)
}
