package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Fake conversational-agent socket for local testing. It greets the bridge
// with conversation metadata, echoes every audio chunk back as agent audio,
// and pings the bridge every few seconds to exercise the pong path.

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Type           string `json:"type"`
	UserAudioChunk string `json:"user_audio_chunk"`
	EventID        int    `json:"event_id"`
}

func agentHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	agentID := r.URL.Query().Get("agent_id")
	log.Printf("🤖 AGENT CONNECTION ACCEPTED:")
	log.Printf("    Remote: %s", r.RemoteAddr)
	log.Printf("    Agent ID: %s", agentID)
	log.Printf("    API Key present: %v", r.Header.Get("xi-api-key") != "")

	conversationID := fmt.Sprintf("conv_test_%d", time.Now().UnixNano())
	initMsg := map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           conversationID,
			"agent_output_audio_format": "pcm_16000",
		},
	}
	if err := conn.WriteJSON(initMsg); err != nil {
		log.Printf("❌ Failed to send initiation metadata: %v", err)
		return
	}
	log.Printf("📡 Sent conversation metadata: %s", conversationID)

	// Ping every 5 seconds so the bridge's pong reply can be observed.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		eventID := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				eventID++
				ping := map[string]any{
					"type": "ping",
					"ping_event": map[string]any{
						"event_id": eventID,
					},
				}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
				log.Printf("🏓 Sent ping event_id=%d", eventID)
			}
		}
	}()
	defer close(done)

	chunks := 0
	echoed := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("👋 Connection closed: %v", err)
			log.Printf("    Chunks received: %d, echoed: %d", chunks, echoed)
			log.Println("---")
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️  Unparseable message: %s", string(data))
			continue
		}

		switch {
		case msg.UserAudioChunk != "":
			chunks++
			raw, err := base64.StdEncoding.DecodeString(msg.UserAudioChunk)
			if err != nil {
				log.Printf("⚠️  Bad audio chunk encoding: %v", err)
				continue
			}
			if chunks%50 == 1 {
				log.Printf("🎤 Audio chunk #%d: %d bytes PCM", chunks, len(raw))
			}

			// Echo the caller's audio back as agent speech.
			echo := map[string]any{
				"type": "audio",
				"audio_event": map[string]any{
					"audio_base_64": msg.UserAudioChunk,
				},
			}
			if err := conn.WriteJSON(echo); err != nil {
				log.Printf("❌ Echo failed: %v", err)
				return
			}
			echoed++

		case msg.Type == "pong":
			log.Printf("✅ Pong received event_id=%d", msg.EventID)

		default:
			log.Printf("📨 Message type: %s", msg.Type)
		}
	}
}

func main() {
	http.HandleFunc("/v1/convai/conversation", agentHandler)

	port := ":9100"
	log.Printf("🚀 Test Agent Server starting on port %s", port)
	log.Printf("📡 Endpoint: ws://localhost%s/v1/convai/conversation", port)
	log.Println("💡 Update your config to use: ws://localhost:9100/v1/convai/conversation")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
