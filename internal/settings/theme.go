package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	solidCardBackground = "#1c1c1e"
	glassCardBackground = "linear-gradient(180deg, rgba(32, 32, 35, 0.65) 0%, rgba(22, 22, 24, 0.75) 100%)"
)

var validate = validator.New()

// Theme renders the settings map as CSS custom properties. It implements
// ThemeApplier and keeps the last rendering for serving.
type Theme struct {
	mu  sync.RWMutex
	css string
}

// NewTheme returns a Theme rendered from the defaults.
func NewTheme() *Theme {
	return &Theme{css: RenderCSS(nil)}
}

// ApplyTheme re-renders the stylesheet from all.
func (t *Theme) ApplyTheme(_ context.Context, all map[string]any) {
	css := RenderCSS(all)
	t.mu.Lock()
	t.css = css
	t.mu.Unlock()
}

// CSS returns the current stylesheet.
func (t *Theme) CSS() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.css
}

// RenderCSS builds the :root rule for the given settings. An accent colour
// that is not a CSS colour is ignored. Blur stays on unless enableBlur is
// explicitly false.
func RenderCSS(all map[string]any) string {
	var b strings.Builder
	b.WriteString(":root {\n")

	if accent, ok := all[KeyAccentColor].(string); ok && accent != "" {
		if err := validate.Var(accent, "iscolor"); err != nil {
			slog.Warn("Ignoring invalid accent colour", "value", accent)
		} else {
			fmt.Fprintf(&b, "  --accent-blue: %s;\n", accent)
		}
	}

	if blur, ok := all[KeyEnableBlur].(bool); ok && !blur {
		fmt.Fprintf(&b, "  --card-bg: %s;\n  --blur-strength: 0px;\n", solidCardBackground)
	} else {
		fmt.Fprintf(&b, "  --card-bg: %s;\n  --blur-strength: 40px;\n", glassCardBackground)
	}

	b.WriteString("}\n")
	return b.String()
}
