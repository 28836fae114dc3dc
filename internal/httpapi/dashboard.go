package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaycache</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --synced: #1f9d88;
      --pending: #e88a3d;
      --error: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font: 14px/1.4 ui-monospace, SFMono-Regular, Menlo, monospace; color: var(--ink); background: var(--paper); }
    header { display: flex; gap: 12px; align-items: center; padding: 16px 24px; border-bottom: 1px solid var(--line); }
    header h1 { font-size: 18px; margin: 0; flex: 1; }
    .pill { padding: 2px 10px; border-radius: 999px; border: 1px solid var(--line); background: var(--card); }
    .online { color: var(--synced); }
    .offline { color: var(--error); }
    main { padding: 16px 24px; display: grid; gap: 16px; }
    section { background: var(--card); border: 1px solid var(--line); border-radius: 8px; padding: 12px 16px; }
    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid var(--line); }
    .synced { color: var(--synced); }
    .pending { color: var(--pending); }
    .error { color: var(--error); }
    #log { color: var(--muted); max-height: 200px; overflow: auto; white-space: pre-wrap; }
    button { font: inherit; padding: 4px 12px; }
  </style>
</head>
<body>
  <header>
    <h1>relaycache</h1>
    <span id="conn" class="pill">connecting</span>
    <span id="summary" class="pill"></span>
    <button id="sync">sync now</button>
  </header>
  <main>
    <section>
      <table>
        <thead><tr><th>entity</th><th>status</th></tr></thead>
        <tbody id="entities"></tbody>
      </table>
    </section>
    <section id="log"></section>
  </main>
  <script>
    (function () {
      const params = new URLSearchParams(location.search);
      const token = params.get("token") || "";
      const headers = token ? { Authorization: "Bearer " + token } : {};

      function log(line) {
        const el = document.getElementById("log");
        el.textContent = new Date().toISOString() + " " + line + "\n" + el.textContent;
      }

      async function refresh() {
        const res = await fetch("/v1/status", { headers });
        if (!res.ok) {
          log("status request failed: " + res.status);
          return;
        }
        const body = await res.json();
        const conn = document.getElementById("conn");
        conn.textContent = body.offline ? "offline" : "online";
        conn.className = "pill " + (body.offline ? "offline" : "online");
        const s = body.summary;
        document.getElementById("summary").textContent =
          s.synced + " synced / " + s.pending + " pending / " + s.error + " error / " + s.queued + " queued";
        const rows = Object.keys(body.entities).sort().map(function (id) {
          const status = body.entities[id];
          return "<tr><td>" + id.replace(/</g, "&lt;") + "</td><td class=\"" + status + "\">" + status + "</td></tr>";
        });
        document.getElementById("entities").innerHTML = rows.join("");
      }

      function stream() {
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        const ws = new WebSocket(scheme + location.host + "/v1/events" + (token ? "?token=" + encodeURIComponent(token) : ""));
        ws.onmessage = function (msg) {
          const event = JSON.parse(msg.data);
          if (event.syncResult) {
            const r = event.syncResult;
            log(event.type + ": synced=" + r.syncedCount + " failed=" + r.failedCount + " remaining=" + r.remaining);
          } else {
            log(event.type);
          }
          refresh();
        };
        ws.onclose = function () { setTimeout(stream, 2000); };
      }

      document.getElementById("sync").onclick = async function () {
        const res = await fetch("/v1/sync", { method: "POST", headers });
        log("manual sync: " + res.status);
        refresh();
      };

      refresh();
      stream();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
