package link

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/httputil"
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html>
<head><title>{{.Name}}: send command</title></head>
<body>
<h1>{{.Name}} &middot; {{.State}} {{.Endpoint}}</h1>
<form id="cmd">
  <input name="command" size="40" placeholder="stop | drive 200 0 | raw d1 c800 0000">
  <button type="submit">Send</button>
</form>
<pre id="result"></pre>
<h2>Tail</h2>
<pre id="tail" style="height: 24em; overflow-y: scroll"></pre>
<script>
document.getElementById("cmd").addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch("{{.Prefix}}-api", {method: "POST", body: new FormData(e.target)});
  document.getElementById("result").textContent = await res.text();
});
const tail = document.getElementById("tail");
const es = new EventSource("{{.Prefix}}-tail");
for (const kind of ["imu", "lidar", "state"]) {
  es.addEventListener(kind, (e) => {
    tail.textContent += kind + " " + e.data + "\n";
    tail.scrollTop = tail.scrollHeight;
  });
}
</script>
</body>
</html>
`))

type stateEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// AttachAdminRoutes mounts debugging endpoints for this session on the
// tsweb debug page at /debug/. Route names are prefixed with the session
// name so several sessions can share one mux.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	prefix := s.cfg.Name

	debug.HandleFunc(prefix, "send a command and tail samples for the "+prefix+" session", func(w http.ResponseWriter, r *http.Request) {
		st := s.Status()
		data := struct {
			Name, State, Endpoint, Prefix string
		}{s.cfg.Name, st.State.String(), st.Endpoint.String(), "/debug/" + prefix}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc(prefix+"-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		text := strings.TrimSpace(r.FormValue("command"))
		if text == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		cmd, err := agv.ParseCommand(text)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Send(cmd); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %s to %s", cmd, s.Endpoint()))
	})

	debug.HandleSilentFunc(prefix+"-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := httputil.StartEventStream(w)
		if !ok {
			return
		}

		sid, samples := s.Subscribe()
		defer s.Unsubscribe(sid)
		wid, changes := s.Watch()
		defer s.Unwatch(wid)

		for {
			select {
			case sample, ok := <-samples:
				if !ok {
					return
				}
				if err := httputil.WriteEvent(w, flusher, agv.Kind(sample), sample); err != nil {
					return
				}
			case change, ok := <-changes:
				if !ok {
					return
				}
				ev := stateEvent{From: change.From.String(), To: change.To.String()}
				if change.Err != nil {
					ev.Error = change.Err.Error()
				}
				if err := httputil.WriteEvent(w, flusher, "state", ev); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
