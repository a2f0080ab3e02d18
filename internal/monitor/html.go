package monitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Nexus Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #ddd; font-family: sans-serif; margin: 0; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 12px 20px; background: #1b1b1b; }
        .badge { padding: 4px 10px; border-radius: 4px; font-weight: bold; }
        .OK { background: #1e7a34; } .STALLED { background: #a67c00; } .DEAD { background: #9b1c1c; }
        .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(360px, 1fr)); gap: 16px; padding: 20px; }
        .panel { background: #1b1b1b; border-radius: 6px; padding: 12px; }
        .panel img { width: 100%; display: block; background: #000; }
        .row { display: flex; justify-content: space-between; font-size: 13px; padding: 2px 0; }
        .label { color: #888; }
        .tc { font-family: monospace; font-size: 18px; }
    </style>
</head>
<body>
    <div class="header">
        <div>Nexus Monitor <span id="detail" class="label"></span></div>
        <span class="badge" id="health">--</span>
    </div>
    <div class="grid" id="channels"></div>
    <div class="grid" id="recorders"></div>
<script>
const channels = document.getElementById('channels');
const recorders = document.getElementById('recorders');

function row(label, value) {
    return '<div class="row"><span class="label">' + label + '</span><span>' + value + '</span></div>';
}

function render(st) {
    const badge = document.getElementById('health');
    badge.textContent = st.health;
    badge.className = 'badge ' + st.health;
    document.getElementById('detail').textContent =
        (st.frame_rate ? st.frame_rate + ' fps, ring ' + st.ring_length : '') + ' ' + st.detail;

    st.channels.forEach(ch => {
        let panel = document.getElementById('ch' + ch.channel);
        if (!panel) {
            panel = document.createElement('div');
            panel.className = 'panel';
            panel.id = 'ch' + ch.channel;
            panel.innerHTML = '<img src="/api/channels/' + ch.channel + '/preview.mjpeg"><div class="info"></div>';
            channels.appendChild(panel);
        }
        panel.querySelector('.info').innerHTML =
            '<div class="tc">' + (ch.sync_timecode || '--:--:--:--') + '</div>' +
            row('Source', ch.source_name || 'channel ' + ch.channel) +
            row('Last frame', ch.last_frame) +
            row('Signal', ch.signal_ok ? 'OK' : 'NO SIGNAL') +
            row('Timecode (' + st.default_timecode + ')', ch.timecode || '--') +
            row('HW drops', ch.hw_drops) +
            row('Temperature', ch.temperature.toFixed(1) + ' C') +
            row('Audio tracks', ch.audio_tracks);
    });

    recorders.innerHTML = st.recorders.map(rec =>
        '<div class="panel">' +
        row('Recorder ' + rec.slot, rec.name) +
        row('State', rec.error ? 'ERROR' : (rec.recording ? 'RECORDING' : 'IDLE')) +
        row('Written', rec.frames_written) +
        row('Dropped', rec.frames_dropped) +
        row('Backlog', rec.backlog) +
        row('Session', rec.description) +
        '</div>').join('');
}

const events = new EventSource('/api/status/stream');
events.onmessage = e => render(JSON.parse(e.data));
</script>
</body>
</html>
`
