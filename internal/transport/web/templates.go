package web

import "html/template"

const pageHead = `{{define "head"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>
body{font-family:sans-serif;margin:2em}
table{border-collapse:collapse}
th,td{border:1px solid #ccc;padding:4px 10px;text-align:left}
.running{color:#060}.pending{color:#a60}.err{color:#b00}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{end}}`

const homePage = `{{define "home"}}{{template "head" .}}
{{if .Error}}<p class="err">Projects unavailable: {{.Error}}</p>
{{else}}<p>Available projects: <b>{{join .Projects ", "}}</b></p>{{end}}
<ul>
{{range .Projects}}<li><a href="/spiders?project={{.}}">{{.}}</a></li>
{{end}}<li><a href="/api/v1/timers">Timers</a></li>
<li><a href="/health">Health</a></li>
</ul>
<h2>How to schedule every spider of a project?</h2>
<p>Open a project's spider page and press the install button, or use the API:</p>
<p><code>curl -X POST http://{{.Host}}/api/v1/projects/{{.Example}}/schedule</code></p>
</body>
</html>
{{end}}`

const spidersPage = `{{define "spiders"}}{{template "head" .}}
<h2>{{.Project}}</h2>
{{if .Error}}<p class="err">{{.Error}}</p>{{end}}
<table>
<tr><th>spider</th><th>status</th><th>timestamp</th><th>next_time</th><th>job</th></tr>
{{range .Rows}}<tr><td>{{.Spider}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.Timestamp}}</td><td>{{.NextTime}}</td><td>{{.Job}}</td></tr>
{{end}}</table>
{{if .Project}}<form action="/spiders?project={{.Project}}" method="post"><input type="submit" value="Install timers for all spiders"></form>{{end}}
<p><a href="/">Back</a></p>
</body>
</html>
{{end}}`

const installedPage = `{{define "installed"}}{{template "head" .}}
{{if .Result.Error}}<p class="err">Install failed: {{.Result.Error}}</p>
{{else if .Result.Timers}}<p>Installed {{len .Result.Timers}} timers for <b>{{.Result.Project}}</b> ({{.Result.Schedule}}, stagger {{.Result.Stagger}}).</p>
<table>
<tr><th>spider</th><th>first fire</th></tr>
{{range .Result.Timers}}<tr><td>{{.Spider}}</td><td>{{fmtTime .First}}</td></tr>
{{end}}</table>
{{else}}<p>No spiders found for <b>{{.Result.Project}}</b>; nothing installed.</p>{{end}}
<p><a href="/spiders?project={{.Result.Project}}">Spiders</a> | <a href="/">Back</a></p>
</body>
</html>
{{end}}`

func parseTemplates() *template.Template {
	return template.Must(template.New("web").Funcs(template.FuncMap{
		"join":    joinStrings,
		"fmtTime": fmtTime,
	}).Parse(pageHead + homePage + spidersPage + installedPage))
}
