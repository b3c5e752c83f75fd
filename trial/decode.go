package trial

import "reflect"

// asMap accepts any map keyed by strings (map[string]any, store.Document,
// bson.M, ...) and returns it as a plain map[string]any, so header decoding
// works identically whether the store preserved the original Go value
// in-process (store/memory) or round-tripped it through a wire encoding
// (store/mongo), which only ever hands back generic maps for embedded
// documents.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		out[k.String()] = rv.MapIndex(k).Interface()
	}
	return out, true
}

func hostFromMap(m map[string]any) Host {
	env := make(map[string]string)
	if e, ok := asMap(m["env"]); ok {
		for k, v := range e {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}
	return Host{
		Hostname: asString(m["hostname"]),
		Username: asString(m["username"]),
		OS:       asString(m["os"]),
		CPU:      asString(m["cpu"]),
		GPU:      asString(m["gpu"]),
		Env:      env,
	}
}

func versionFromMap(m map[string]any) Version {
	isDirty, _ := m["is_dirty"].(bool)
	return Version{
		Type:    asString(m["type"]),
		HeadSHA: asString(m["head_sha"]),
		IsDirty: isDirty,
		Branch:  asString(m["branch"]),
		DiffSHA: asString(m["diff_sha"]),
	}
}

func configurationFromMap(m map[string]any) Configuration {
	cfg := make(Configuration, len(m))
	for k, v := range m {
		cfg[k] = configValueFrom(v)
	}
	return cfg
}

func configValueFrom(v any) ConfigValue {
	m, ok := asMap(v)
	if !ok {
		return ConfigValue{Scalar: v}
	}
	file := asString(m["file"])
	if file == "" {
		// Not a file-backed value: the whole map (or a bare scalar under
		// "scalar") is the value itself.
		if s, has := m["scalar"]; has {
			return ConfigValue{Scalar: s}
		}
		return ConfigValue{Scalar: v}
	}
	content, _ := asMap(m["content"])
	return ConfigValue{File: file, Content: content}
}

