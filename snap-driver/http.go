// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	_ "net/http/pprof"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/snapfuzz/snapfuzz/pkg/campaign"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/stat"
)

type httpServer struct {
	cfg *campaign.Config
}

func initHTTP(cfg *campaign.Config) {
	serv := &httpServer{cfg: cfg}
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		http.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", serv.httpSummary)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)

	log.Logf(0, "serving http on http://%v", cfg.HTTP)
	go func() {
		if err := http.ListenAndServe(cfg.HTTP, nil); err != nil {
			log.Fatalf("failed to listen on %v: %v", cfg.HTTP, err)
		}
	}()
}

func (serv *httpServer) httpSummary(w http.ResponseWriter, r *http.Request) {
	data := &UISummaryData{
		Machine: serv.cfg.Machine,
		Guest:   serv.cfg.Guest,
		Log:     log.CachedLogOutput(),
	}
	for _, s := range stat.Collect(stat.Simple) {
		data.Stats = append(data.Stats, UIStat{
			Name:  s.Name,
			Value: s.Value,
			Hint:  s.Desc,
		})
	}
	executeTemplate(w, summaryTemplate, data)
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data interface{}) {
	buf := new(bytes.Buffer)
	if err := templ.Execute(buf, data); err != nil {
		log.Logf(0, "failed to execute template: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(buf.Bytes())
}

type UISummaryData struct {
	Machine string
	Guest   string
	Stats   []UIStat
	Log     string
}

type UIStat struct {
	Name  string
	Value string
	Hint  string
}

var summaryTemplate = template.Must(template.New("summary").Parse(`
<!doctype html>
<html>
<head>
	<title>snapfuzz campaign</title>
	<style type="text/css" media="screen">
		table { border-collapse: collapse; }
		table caption { font-weight: bold; }
		td, th { border: 1px solid #aaa; padding: 4px; }
		textarea { width: 100%; font-family: monospace; }
	</style>
</head>
<body>
<b>machine {{.Machine}}, guest {{.Guest}}</b>
<br><br>
<table>
	<caption>Stats:</caption>
	{{range $s := $.Stats}}
	<tr><td class="stat_name" title="{{$s.Hint}}">{{$s.Name}}</td><td class="stat_value">{{$s.Value}}</td></tr>
	{{end}}
</table>
<br>
<b>Log:</b>
<br>
<textarea id="log_textarea" readonly rows="50" wrap=off>
{{.Log}}
</textarea>
<script>
	var textarea = document.getElementById("log_textarea");
	textarea.scrollTop = textarea.scrollHeight;
</script>
</body>
</html>
`))
