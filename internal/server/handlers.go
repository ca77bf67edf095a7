// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway upgrades HTTP requests into WebSocket members of a Hub's chat.
type Gateway struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway creates a gateway feeding hub, accepting the origins listed in
// the hub's configuration.
func NewGateway(hub *Hub) *Gateway {
	logger := hub.logger.Named("gateway")
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, logger)
	return &Gateway{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		logger: logger,
	}
}

// WebSocketHandler handles WebSocket upgrade requests. Each text frame the
// client sends is one wire line, handled exactly like a line on the TCP
// channel.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	if !g.hub.attach(conn, r.RemoteAddr) {
		g.logger.Info("Hub is shutting down; rejecting WebSocket client", zap.String("addr", r.RemoteAddr))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RelayChat server is running!")
}

// TestPageHandler serves an HTML page that joins the chat over /ws using the
// same KIND.SENDER.BODY lines as the TCP channel.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>RelayChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RelayChat WebSocket Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="nameInput" placeholder="Display name">
        <button id="connectButton" onclick="toggleConnection()">Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        let name = '';
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(line) {
            const first = line.indexOf('.');
            const second = line.indexOf('.', first + 1);
            if (first < 0 || second < 0) { return line; }
            return '[' + line.substring(first + 1, second) + ' via ' + line.substring(0, first) + ']: ' + line.substring(second + 1);
        }

        function setJoined(joined) {
            statusDiv.textContent = joined ? 'Joined as ' + name : 'Disconnected';
            statusDiv.className = 'status ' + (joined ? 'connected' : 'disconnected');
            messageInput.disabled = !joined;
            sendButton.disabled = !joined;
        }

        function toggleConnection() {
            if (ws) { ws.close(); return; }
            name = document.getElementById('nameInput').value.trim();
            if (!name || name.includes('.')) { addMessage('Pick a name without dots'); return; }
            ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onopen = function() { ws.send('HELLO.' + name + '.'); };
            ws.onmessage = function(event) {
                if (event.data === 'ACK.server.ok') { setJoined(true); }
                addMessage(render(event.data), 'green');
            };
            ws.onclose = function() { addMessage('Connection closed'); setJoined(false); ws = null; };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send('TCP.' + name + '.' + text);
                addMessage('[' + name + ' via TCP]: ' + text, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
	_, _ = fmt.Fprint(w, html)
}
