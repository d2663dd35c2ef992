package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Edge Vision Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .header { padding: 12px 20px; background: #1c1c1c; display: flex; justify-content: space-between; align-items: center; }
        .title { font-size: 20px; font-weight: bold; }
        .badge { padding: 4px 10px; border-radius: 10px; background: #444; font-size: 12px; }
        .badge.ok { background: #1f7a1f; }
        .badge.bad { background: #8a1f1f; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .stat { display: flex; justify-content: space-between; padding: 6px 0; border-bottom: 1px solid #333; }
        .stat span:last-child { font-family: monospace; }
        input[type=text] { width: 100%; box-sizing: border-box; padding: 6px; margin: 6px 0; }
        button { padding: 6px 12px; margin-right: 6px; }
        #swap-result { font-family: monospace; font-size: 12px; white-space: pre-wrap; }
        img { width: 100%; height: auto; background: #000; }
    </style>
</head>
<body>
    <div class="header">
        <div class="title">Edge Vision Monitor</div>
        <span class="badge" id="status-badge">Waiting for data...</span>
    </div>
    <div class="grid">
        <div class="panel">
            <h2>Live Feed</h2>
            <img id="stream" src="/video_feed" alt="Annotated video stream">
        </div>
        <div>
            <div class="panel">
                <h2>Telemetry</h2>
                <div class="stat"><span>Model</span><span id="model-version">-</span></div>
                <div class="stat"><span>FPS</span><span id="fps">-</span></div>
                <div class="stat"><span>Latency (ms)</span><span id="latency">-</span></div>
                <div class="stat"><span>Objects</span><span id="objects">-</span></div>
            </div>
            <div class="panel" style="margin-top:16px;">
                <h2>Model Update</h2>
                <input type="text" id="model-path" placeholder="models/model_int8.onnx">
                <button type="button" id="btn-swap">Swap model</button>
                <p id="swap-result"></p>
            </div>
            <div class="panel" style="margin-top:16px;">
                <h2>Recording</h2>
                <button type="button" id="btn-rec-start">Start</button>
                <button type="button" id="btn-rec-stop">Stop</button>
                <p id="rec-status">-</p>
            </div>
        </div>
    </div>
    <script>
        const $ = (id) => document.getElementById(id);

        function render(m) {
            $("model-version").textContent = m.model_version || "-";
            $("fps").textContent = (m.fps || 0).toFixed(2);
            $("latency").textContent = (m.latency_ms || 0).toFixed(0);
            $("objects").textContent = m.objects_detected || 0;
        }

        const events = new EventSource("/metrics/stream");
        events.onmessage = (e) => render(JSON.parse(e.data));

        async function refreshStatus() {
            try {
                const res = await fetch("/api/status");
                const st = await res.json();
                const badge = $("status-badge");
                badge.textContent = st.pipeline.state;
                badge.className = "badge " + (st.pipeline.ready ? "ok" : "bad");
                if (st.recording) {
                    $("rec-status").textContent = st.recording.recording
                        ? "Recording " + st.recording.filename + " (" + st.recording.frame_count + " frames)"
                        : "Idle";
                }
            } catch (err) {
                $("status-badge").textContent = "offline";
            }
        }
        setInterval(refreshStatus, 1000);
        refreshStatus();

        $("btn-swap").onclick = async () => {
            const path = $("model-path").value.trim();
            if (!path) return;
            $("swap-result").textContent = "Swapping...";
            const res = await fetch("/update-model?model_path=" + encodeURIComponent(path), { method: "POST" });
            $("swap-result").textContent = JSON.stringify(await res.json(), null, 2);
        };
        $("btn-rec-start").onclick = () => fetch("/api/recording/start", { method: "POST" }).then(refreshStatus);
        $("btn-rec-stop").onclick = () => fetch("/api/recording/stop", { method: "POST" }).then(refreshStatus);
    </script>
</body>
</html>
`
