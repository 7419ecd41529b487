package render

import (
	"html"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/R3E-Network/module_host/internal/manifest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var scriptEscaper = strings.NewReplacer(
	"<", `\u003C`,
	">", `\u003E`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// jsonForScript encodes v as a JSON literal that is safe to place inside a
// <script> element.
func jsonForScript(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return scriptEscaper.Replace(string(raw)), nil
}

func scriptTag(src string, attrs []string, body string) string {
	var b strings.Builder
	b.WriteString("<script")
	if src != "" {
		b.WriteString(` src="` + html.EscapeString(src) + `"`)
	}
	for _, a := range attrs {
		if a != "" {
			b.WriteString(" " + a)
		}
	}
	b.WriteString(">")
	if body != "" {
		b.WriteString("\n" + body + "\n")
	}
	b.WriteString("</script>")
	return b.String()
}

func attr(name, value string) string {
	if value == "" {
		return ""
	}
	return name + `="` + html.EscapeString(value) + `"`
}

type scriptParams struct {
	nonce        string
	bundle       string
	clientMap    *manifest.ClientMap
	initialState string
	modules      []string
	crossOrigin  string
}

// renderScripts returns the initial-state script followed by one script per
// module, the root module first.
func renderScripts(p scriptParams) (string, error) {
	bundleMap := map[string]any{"key": "", "modules": map[string]manifest.Asset{}}
	if p.clientMap != nil {
		mods := make(map[string]manifest.Asset, len(p.clientMap.Modules))
		for name, cm := range p.clientMap.Modules {
			if a := assetFor(cm, p.bundle); a != nil {
				mods[name] = *a
			}
		}
		bundleMap = map[string]any{"key": p.clientMap.Key, "modules": mods}
	}
	moduleMap, err := jsonForScript(bundleMap)
	if err != nil {
		return "", err
	}
	state, err := jsonForScript(p.initialState)
	if err != nil {
		return "", err
	}

	lines := []string{
		"\twindow.__render_mode__ = 'hydrate';",
		"\twindow.__module_bundle_type__ = '" + p.bundle + "';",
		"\twindow.__CLIENT_MODULE_MAP__ = " + moduleMap + ";",
		"\twindow.__INITIAL_STATE__ = " + state + ";",
	}
	out := []string{scriptTag("", []string{`id="initial-state"`, attr("nonce", p.nonce)}, strings.Join(lines, "\n"))}

	for _, name := range p.modules {
		cm, ok := p.clientMap.Get(name)
		if !ok {
			continue
		}
		a := assetFor(cm, p.bundle)
		if a == nil || a.URL == "" {
			continue
		}
		src := a.URL
		if p.clientMap.Key != "" {
			sep := "?"
			if strings.Contains(src, "?") {
				sep = "&"
			}
			src += sep + "key=" + p.clientMap.Key
		}
		out = append(out, scriptTag(src, []string{
			attr("crossorigin", p.crossOrigin),
			attr("integrity", a.Integrity),
			attr("nonce", p.nonce),
		}, ""))
	}
	return strings.Join(out, "\n"), nil
}

func assetFor(cm manifest.ClientModule, bundle string) *manifest.Asset {
	if bundle == manifest.VariantLegacyBrowser {
		return cm.LegacyBrowser
	}
	return cm.Browser
}

// isLegacyBrowser picks the legacy bundle for user agents that cannot run
// the modern one.
func isLegacyBrowser(userAgent string) bool {
	return strings.Contains(userAgent, "MSIE ") || strings.Contains(userAgent, "Trident/")
}
