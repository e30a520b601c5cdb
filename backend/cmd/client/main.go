package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/protocol"
	"collabcore/backend/internal/transport"
)

// Demo client: logs in, joins (or creates) a session and turns stdin lines
// into chat messages. Lines starting with "+" are sent as insert operations.
func main() {
	server := flag.String("server", "http://127.0.0.1:3002", "relay base URL")
	username := flag.String("user", "", "username")
	password := flag.String("pass", "", "password")
	sessionID := flag.String("session", "", "session id to join; empty creates a new one")
	name := flag.String("name", "demo-session", "name for a newly created session")
	fileID := flag.String("file", "file-1", "file id for a newly created session")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("usage: client -user <name> -pass <password> [-session <id>]")
	}

	token, err := login(*server, *username, *password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/collab/ws?token=" + token
	ch := transport.NewChannel(wsURL, nil, transport.Options{})
	api := collab.NewRestAPI(*server, token)
	client := collab.NewClient(api, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if *sessionID == "" {
		sess, err := client.CreateSession(ctx, *name, *fileID)
		if err != nil {
			log.Fatalf("create session failed: %v", err)
		}
		log.Printf("created session %s", sess.ID)
	} else {
		if err := client.JoinSession(ctx, *sessionID); err != nil {
			log.Fatalf("join session failed: %v", err)
		}
	}
	defer client.LeaveSession(context.Background())

	go func() {
		for range time.Tick(5 * time.Second) {
			snap := client.Snapshot()
			log.Printf("peers=%d version=%d sync=%s quality=%s unread=%d",
				len(snap.Peers), snap.DocumentVersion, snap.SyncStatus,
				snap.ConnectionQuality, snap.UnreadCount)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "+") {
			_, err := client.SendOperation(collab.OperationDraft{
				Type:     protocol.OpInsert,
				Position: protocol.Position{LineNumber: 1, Column: 1},
				Text:     strings.TrimPrefix(line, "+"),
			})
			if err != nil {
				log.Printf("send operation: %v", err)
			}
			continue
		}
		if _, err := client.SendChatMessage(line, protocol.ChatText, ""); err != nil {
			log.Printf("send chat: %v", err)
		}
	}
}

func login(server, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(server+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: %s", resp.Status)
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}
