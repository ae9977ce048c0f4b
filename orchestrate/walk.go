package orchestrate

// walkFileNodes recursively visits every fileData|file_data node
// reachable from v, without descending into the node itself (there is
// nothing further to find inside one) or into inlineData/inline_data
// siblings, which are file-reference-free by construction and so are
// simply never matched.
func walkFileNodes(v interface{}, visit func(node map[string]interface{})) {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, key := range fileRefKeys {
			if raw, ok := t[key]; ok {
				if node, ok := raw.(map[string]interface{}); ok {
					visit(node)
				}
			}
		}
		for k, val := range t {
			if k == "fileData" || k == "file_data" {
				continue
			}
			walkFileNodes(val, visit)
		}
	case []interface{}:
		for _, item := range t {
			walkFileNodes(item, visit)
		}
	}
}

func nodeMime(n map[string]interface{}) string {
	if s, ok := n["mimeType"].(string); ok {
		return s
	}
	if s, ok := n["mime_type"].(string); ok {
		return s
	}
	return ""
}

func setNodeMime(n map[string]interface{}, mime string) {
	if _, ok := n["mimeType"]; ok {
		n["mimeType"] = mime
		return
	}
	if _, ok := n["mime_type"]; ok {
		n["mime_type"] = mime
		return
	}
	n["mimeType"] = mime
}

// nodeRef returns the first populated reference key on a fileData node,
// in the precedence order the resolver itself accepts (spec §4.2
// resolve / §4.9 step 2).
func nodeRef(n map[string]interface{}) string {
	for _, k := range []string{"fileUri", "file_uri", "fileName", "file_name"} {
		if s, ok := n[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
