package render

import (
	"bytes"
	"html"
	"html/template"
)

var documentTmpl = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="application-name" content="{{.App}}">
<title>{{.App}}</title>
</head>
<body>
<div id="root">{{.Markup}}</div>
{{- if .Scripts}}
{{.Scripts}}
{{- end}}
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.}}</title>
<meta name="application-name" content="{{.}}">
</head>
<body style="background-color: #F0F0F0">
<div id="root"><div><div style="width: 70%; background-color: white; margin: 4% auto;"><h2 style="display: flex; justify-content: center; padding: 40px 15px 0px;">Loading Error</h2><p style="display: flex; justify-content: center; padding: 10px 15px 40px;">Sorry, we are unable to load this page at this time. Please try again later.</p></div></div></div>
</body>
</html>
`))

type document struct {
	App     string
	Markup  template.HTML
	Scripts template.HTML
}

func renderDocument(app, markup, scripts string) ([]byte, error) {
	var buf bytes.Buffer
	err := documentTmpl.Execute(&buf, document{
		App:     app,
		Markup:  template.HTML(markup),
		Scripts: template.HTML(scripts),
	})
	return buf.Bytes(), err
}

// errorDocument is the generic page sent when rendering fails. It depends
// on nothing but the application name so it cannot fail itself.
func errorDocument(app string) []byte {
	var buf bytes.Buffer
	if err := errorTmpl.Execute(&buf, app); err != nil {
		return []byte("<!DOCTYPE html><title>Loading Error</title><h2>Loading Error</h2>")
	}
	return buf.Bytes()
}

const notFoundMarkup = "Not found"

// Unavailable is the indicator rendered in place of a module that is not
// loaded or failed to render.
func Unavailable(name string) string {
	n := html.EscapeString(name)
	return `<div class="module-unavailable" data-module="` + n + `">Module unavailable: ` + n + `</div>`
}
