package server

// defaultHTML is served when web/static/index.html is missing. The page posts
// /focus whenever it regains focus so a recording stops when the user comes back.
const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>screencap</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <main class="container">
        <h1>screencap</h1>
        <form id="start">
            <select name="source">
                <option value="">Configured targets</option>
                <option value="screen">Screen</option>
                <option value="window">Window</option>
                <option value="tab">Tab</option>
            </select>
            <label><input type="checkbox" name="microphone" value="true" checked> Microphone</label>
            <button type="submit">Start recording</button>
        </form>
        <button id="stop" class="secondary">Stop</button>
        <p id="status">Idle</p>
        <h2>Recordings</h2>
        <ul id="files"></ul>
    </main>
    <script>
    const statusEl = document.getElementById('status');

    async function post(path, body) {
        const res = await fetch(path, {method: 'POST', body: body});
        const data = await res.json();
        if (!data.success) statusEl.textContent = data.error;
        return data;
    }

    async function refreshFiles() {
        const res = await fetch('/api/files');
        const data = await res.json();
        const list = document.getElementById('files');
        list.innerHTML = '';
        for (const f of data.files) {
            const li = document.createElement('li');
            li.innerHTML = '<a href="' + f.download_url + '">' + f.name + '</a> (' + f.size_human + ')';
            list.appendChild(li);
        }
    }

    document.getElementById('start').addEventListener('submit', (e) => {
        e.preventDefault();
        const form = new FormData(e.target);
        if (!form.has('microphone')) form.set('microphone', 'false');
        post('/start', new URLSearchParams(form));
    });
    document.getElementById('stop').addEventListener('click', () => post('/stop'));
    window.addEventListener('focus', () => post('/focus'));

    const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/events');
    ws.onmessage = (msg) => {
        const ev = JSON.parse(msg.data);
        statusEl.textContent = ev.message;
        if (ev.type === 'saved') refreshFiles();
    };

    refreshFiles();
    </script>
</body>
</html>`
