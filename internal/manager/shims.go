package manager

import (
	"fmt"
	"net/url"
	"path"
	"runtime"
	"sort"
	"strings"
)

// builtinShimProvider materializes the value sets behind the virtual
// module registry's built-in and framework specifiers.
// Pure-computation modules (path, querystring, os, url) get working
// host implementations; modules whose real surface is privileged
// (fs, child_process, http) resolve to inert objects, since extensions
// reach those capabilities only through host-calls, never through a
// module shim.
func builtinShimProvider() func(specifier string) (any, error) {
	return func(specifier string) (any, error) {
		switch specifier {
		case "path":
			return pathShim(), nil
		case "querystring":
			return querystringShim(), nil
		case "os":
			return osShim(), nil
		case "url":
			return urlShim(), nil
		default:
			return map[string]any{}, nil
		}
	}
}

func pathShim() map[string]any {
	return map[string]any{
		"sep": "/",
		"join": func(parts ...string) string {
			return path.Join(parts...)
		},
		"dirname": func(p string) string {
			return path.Dir(p)
		},
		"basename": func(p string) string {
			return path.Base(p)
		},
		"extname": func(p string) string {
			return path.Ext(p)
		},
		"isAbsolute": func(p string) bool {
			return path.IsAbs(p)
		},
	}
}

func querystringShim() map[string]any {
	return map[string]any{
		"stringify": func(values map[string]any) string {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var parts []string
			for _, k := range keys {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(toString(values[k])))
			}
			return strings.Join(parts, "&")
		},
		"parse": func(qs string) map[string]string {
			out := make(map[string]string)
			parsed, err := url.ParseQuery(qs)
			if err != nil {
				return out
			}
			for k, vs := range parsed {
				if len(vs) > 0 {
					out[k] = vs[0]
				}
			}
			return out
		},
	}
}

func osShim() map[string]any {
	return map[string]any{
		"platform": func() string { return runtime.GOOS },
		"arch":     func() string { return runtime.GOARCH },
		"EOL":      "\n",
	}
}

func urlShim() map[string]any {
	return map[string]any{
		"parse": func(raw string) map[string]any {
			u, err := url.Parse(raw)
			if err != nil {
				return map[string]any{}
			}
			return map[string]any{
				"protocol": u.Scheme + ":",
				"host":     u.Host,
				"hostname": u.Hostname(),
				"port":     u.Port(),
				"pathname": u.Path,
				"search":   conditionalPrefix(u.RawQuery, "?"),
				"hash":     conditionalPrefix(u.Fragment, "#"),
			}
		},
	}
}

func conditionalPrefix(s, prefix string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
