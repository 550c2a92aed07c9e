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
  <title>Tontine Sync Status</title>
  <style>
    :root {
      --ink: #1b2430;
      --paper: #f6f7f4;
      --card: #ffffff;
      --line: #d9ddd2;
      --accent: #2a7f62;
      --warn: #c77b2a;
      --danger: #b8423a;
      --muted: #6d7680;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Segoe UI", "Avenir Next", sans-serif;
      color: var(--ink);
      background: var(--paper);
      min-height: 100vh;
      padding: 18px;
    }

    .shell { max-width: 900px; margin: 0 auto; display: grid; gap: 12px; }

    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }

    h1 { margin: 0; font-size: 1.3rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.85rem; }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 10px;
    }
    .label {
      text-transform: uppercase;
      letter-spacing: 0.08em;
      font-size: 0.64rem;
      color: var(--muted);
    }
    .value { margin-top: 5px; font-size: 1rem; font-weight: 700; }

    .value.offline { color: var(--danger); }
    .value.poor { color: var(--warn); }
    .value.good, .value.excellent { color: var(--accent); }

    button {
      border: 0;
      border-radius: 8px;
      padding: 8px 12px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }
    button.ghost { background: #e8ece5; color: var(--ink); }

    table { width: 100%; border-collapse: collapse; font-size: 0.82rem; }
    th, td { text-align: left; border-bottom: 1px solid var(--line); padding: 7px 6px; }
    th { color: var(--muted); text-transform: uppercase; font-size: 0.66rem; letter-spacing: 0.07em; }

    .status-pending { color: var(--muted); }
    .status-synced { color: var(--accent); }
    .status-failed, .status-conflict { color: var(--danger); }

    .mono { font-family: Menlo, Consolas, monospace; font-size: 0.78rem; }
    .note { margin-top: 8px; color: var(--muted); font-size: 0.8rem; }

    @media (max-width: 640px) {
      .cards { grid-template-columns: repeat(2, 1fr); }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Tontine Sync Status</h1>
      <div class="sub">Connectivity, pending actions, and last sync for this device.</div>
      <div class="note">
        <button id="syncNow" type="button">Sync Now</button>
        <button id="refresh" type="button" class="ghost">Refresh</button>
        <span id="message"></span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Network</div><div id="quality" class="value">-</div></article>
      <article class="card"><div class="label">Pending Actions</div><div id="pending" class="value">-</div></article>
      <article class="card"><div class="label">Last Sync</div><div id="lastSync" class="value mono">-</div></article>
      <article class="card"><div class="label">Cycle</div><div id="cycle" class="value mono">-</div></article>
    </section>

    <section class="panel">
      <h2 class="label">Action Queue</h2>
      <table>
        <thead>
          <tr><th>ID</th><th>Kind</th><th>Status</th><th>Retries</th><th>Error</th><th></th></tr>
        </thead>
        <tbody id="rows"></tbody>
      </table>
    </section>
  </main>

  <script>
    (function () {
      async function request(path, method) {
        const response = await fetch(path, { method: method || "GET" });
        const data = await response.json();
        if (!response.ok) {
          throw new Error((data.code || "error") + ": " + (data.message || response.statusText));
        }
        return data;
      }

      function setMessage(text) {
        document.getElementById("message").textContent = text || "";
      }

      function renderActions(actions) {
        const tbody = document.getElementById("rows");
        tbody.innerHTML = "";
        if (!actions.length) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"6\">Queue is empty</td>";
          tbody.appendChild(tr);
          return;
        }
        actions.forEach(function (a) {
          const tr = document.createElement("tr");
          const id = document.createElement("td");
          id.className = "mono";
          id.textContent = a.id.slice(0, 12);
          const kind = document.createElement("td");
          kind.textContent = a.kind;
          const status = document.createElement("td");
          status.className = "status-" + a.status;
          status.textContent = a.status;
          const retries = document.createElement("td");
          retries.textContent = a.retryCount > 1000 ? "spent" : String(a.retryCount);
          const err = document.createElement("td");
          err.textContent = a.lastError || "";
          const act = document.createElement("td");
          if (a.status === "failed") {
            const retry = document.createElement("button");
            retry.textContent = "Retry";
            retry.addEventListener("click", function () {
              request("/v1/actions/" + a.id + "/retry", "POST").then(load).catch(function (e) { setMessage(String(e)); });
            });
            act.appendChild(retry);
          }
          if (a.status === "failed" || a.status === "conflict") {
            const dismiss = document.createElement("button");
            dismiss.className = "ghost";
            dismiss.textContent = "Dismiss";
            dismiss.addEventListener("click", function () {
              request("/v1/actions/" + a.id + "/dismiss", "POST").then(load).catch(function (e) { setMessage(String(e)); });
            });
            act.appendChild(dismiss);
          }
          tr.append(id, kind, status, retries, err, act);
          tbody.appendChild(tr);
        });
      }

      async function load() {
        try {
          const status = await request("/v1/status");
          const qualityEl = document.getElementById("quality");
          qualityEl.textContent = status.quality;
          qualityEl.className = "value " + status.quality;
          document.getElementById("pending").textContent = String(status.pendingCount);
          const last = status.metadata && status.metadata.lastSyncAt;
          document.getElementById("lastSync").textContent =
            last && last.indexOf("0001-") !== 0 ? new Date(last).toLocaleTimeString() : "never";
          document.getElementById("cycle").textContent =
            status.metadata ? String(status.metadata.cycleVersion) : "-";
          const body = await request("/v1/actions");
          renderActions(body.actions || []);
          setMessage("");
        } catch (err) {
          setMessage(String(err));
        }
      }

      document.getElementById("refresh").addEventListener("click", load);
      document.getElementById("syncNow").addEventListener("click", function () {
        setMessage("syncing...");
        request("/v1/sync", "POST")
          .then(function (result) {
            setMessage("synced " + result.synced + ", failed " + result.failed);
            load();
          })
          .catch(function (err) {
            setMessage(String(err));
            load();
          });
      });

      load();
      setInterval(load, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
