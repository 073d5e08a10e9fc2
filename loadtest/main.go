package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	pairCount = flag.Int("pairs", 50, "requester/provider pairs") // ⚠️ Start small. Database might choke on 1000 immediately.
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type key struct {
	Context struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"context"`
	CounterpartyID string `json:"counterparty_id"`
}

var accepted, failed atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairCount*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: a requester and a provider chatting about one task
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: %d accepted, %d failed", time.Since(start), accepted.Load(), failed.Load())
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, okA := authenticate(userA, pass)
	b, okB := authenticate(userB, pass)
	if !okA || !okB {
		return
	}

	task := fmt.Sprintf("load-%d", pairID)
	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a, b.ID, task)
	go spamChat(&wsWg, b, a.ID, task)
	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (AuthResponse, bool) {
	if resp, err := postJSON("/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return AuthResponse{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return AuthResponse{}, false
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, false
	}
	return data, true
}

func spamChat(wg *sync.WaitGroup, me AuthResponse, other int64, task string) {
	defer wg.Done()

	otherID := strconv.FormatInt(other, 10)
	url := fmt.Sprintf("%s?token=%s&context_type=task&context_id=%s&with=%s", *wsURL, me.Token, task, otherID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", me.Username, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go drain(conn, done)

	var k key
	k.Context.Type = "task"
	k.Context.ID = task
	k.CounterpartyID = otherID

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{
			"type":    "send",
			"key":     k,
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", me.Username, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// give the server time to confirm before hanging up
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
	log.Printf("✅ %s finished sending %d msgs", me.Username, *msgCount)
}

// drain counts acknowledgements until the socket closes.
func drain(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "accepted":
			accepted.Add(1)
		case "send_failed", "error":
			failed.Add(1)
		}
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
