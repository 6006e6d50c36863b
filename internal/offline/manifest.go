// Package offline keeps the application shell available without a network:
// a Worker installs a versioned cache generation from an asset manifest and
// evicts older generations, and an Interceptor serves requests from it.
package offline

import (
	"net/url"
	"strings"
)

// Manifest is the build-time list of assets the shell needs offline.
// Critical assets must all be cached for an install to succeed; general
// assets are cached on a best-effort basis.
type Manifest struct {
	Critical []string `koanf:"critical"`
	General  []string `koanf:"general"`
}

// DefaultManifest is the agenda shell.
var DefaultManifest = Manifest{
	Critical: []string{
		"index.html",
		"manifest.json",
		"icon-192.png",
		"icon-512.png",
	},
	General: []string{
		"./",
		"agenda.html",
		"ajustes.html",
		"finanzas.html",
		"generador.html",
		"horario.html",
		"notas.html",
		"proyectos.html",
		"salud.html",
		"task.html",
		"style.css",
		"db.js",
		"installer.html",
	},
}

// ShellKey is the cache key of the document served when a navigation
// cannot be answered otherwise.
const ShellKey = "/index.html"

// Normalize returns the manifest with every entry turned into a cache key,
// duplicates removed, and general entries that are also critical dropped.
func (m Manifest) Normalize() Manifest {
	seen := make(map[string]bool)
	var out Manifest
	for _, p := range m.Critical {
		if k := PathKey(p); !seen[k] {
			seen[k] = true
			out.Critical = append(out.Critical, k)
		}
	}
	for _, p := range m.General {
		if k := PathKey(p); !seen[k] {
			seen[k] = true
			out.General = append(out.General, k)
		}
	}
	return out
}

// Len is the number of entries.
func (m Manifest) Len() int { return len(m.Critical) + len(m.General) }

// PathKey maps a relative or absolute asset path to its cache key: an
// absolute path with an optional query, "./" meaning the scope root.
func PathKey(p string) string {
	u, err := url.Parse(p)
	if err != nil {
		u = &url.URL{Path: p}
	}
	return RequestKey(u)
}

// RequestKey is the cache key of a request URL. Scheme and host are
// ignored since a cache only ever holds one origin.
func RequestKey(u *url.URL) string {
	p := u.Path
	if p == "." {
		p = ""
	}
	p = strings.TrimPrefix(p, "./")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
