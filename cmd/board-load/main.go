// Command board-load drives a running server with many sync agents that
// move items concurrently, then checks that every agent converged on the
// server's board.
package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/domain"
	"prism-board/syncagent"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

type counters struct {
	moves    atomic.Uint64
	failures atomic.Uint64
}

func main() {
	baseURL := strings.TrimRight(getenv("BOARD_URL", "http://localhost:8080"), "/")
	agents := getenvInt("AGENTS", 20)
	items := getenvInt("ITEMS", 40)
	duration := time.Duration(getenvInt("DURATION_SEC", 60)) * time.Second
	secret := []byte(getenv("LOCAL_AUTH_SHARED_SECRET", os.Getenv("TEST_JWT_SECRET")))
	audience := os.Getenv("AUTH0_AUDIENCE")
	if len(secret) == 0 {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set")
	}

	tokens := make([]string, agents)
	for i := range tokens {
		tok, err := api.IssueLocalToken(secret, audience, fmt.Sprintf("load-user-%d", i+1), duration+10*time.Minute)
		if err != nil {
			log.Fatalf("token: %v", err)
		}
		tokens[i] = tok
	}

	boardID, buckets, err := createBoard(baseURL, tokens[0])
	if err != nil {
		log.Fatalf("create board: %v", err)
	}
	log.WithFields(log.Fields{"board_id": boardID, "agents": agents, "items": items}).Info("board created")

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	fleet := make([]*syncagent.Agent, agents)
	for i := range fleet {
		fleet[i] = syncagent.New(syncagent.Config{
			BoardID:   boardID,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			Jitter:    0.2,
		},
			syncagent.WSDialer{URL: wsURL, Token: tokens[i]},
			syncagent.HTTPCommands{BaseURL: baseURL, Token: tokens[i]},
			log.StandardLogger(),
		)
		fleet[i].Start()
		defer fleet[i].Close()
	}
	if !waitAll(fleet, 30*time.Second, (*syncagent.Agent).Synced) {
		log.Fatal("agents did not sync within 30s")
	}

	for i := range items {
		bucket := buckets[i%len(buckets)]
		if _, err := fleet[i%agents].Create(domain.CreateItem{BucketID: bucket, Title: fmt.Sprintf("item %d", i+1)}); err != nil {
			log.Fatalf("seed item: %v", err)
		}
	}

	var c counters
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	var wg sync.WaitGroup
	for _, a := range fleet {
		wg.Add(1)
		go func(a *syncagent.Agent) {
			defer wg.Done()
			churn(ctx, a, buckets, &c)
		}(a)
	}
	wg.Wait()

	reference := syncagent.HTTPCommands{BaseURL: baseURL, Token: tokens[0]}
	converged := waitAll(fleet, 30*time.Second, func(a *syncagent.Agent) bool {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		want, err := reference.Snapshot(sctx, boardID)
		return err == nil && sameItems(a.Snapshot(), want)
	})

	moves, failures := c.moves.Load(), c.failures.Load()
	fmt.Printf("agents=%d duration_sec=%d moves=%d failed_moves=%d converged=%t\n",
		agents, int(duration.Seconds()), moves, failures, converged)
	if !converged || moves == 0 {
		os.Exit(1)
	}
}

func churn(ctx context.Context, a *syncagent.Agent, buckets []string, c *counters) {
	for ctx.Err() == nil {
		from := buckets[rand.IntN(len(buckets))]
		current := a.Items(from)
		if len(current) == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		it := current[rand.IntN(len(current))]
		to := buckets[rand.IntN(len(buckets))]
		if _, err := a.Move(it.ID, to, rand.IntN(len(a.Items(to))+1)); err != nil {
			c.failures.Add(1)
		} else {
			c.moves.Add(1)
		}
		time.Sleep(time.Duration(5+rand.IntN(20)) * time.Millisecond)
	}
}

func waitAll(fleet []*syncagent.Agent, timeout time.Duration, ok func(*syncagent.Agent) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		all := true
		for _, a := range fleet {
			if !ok(a) {
				all = false
				break
			}
		}
		if all {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

func sameItems(got, want domain.BoardState) bool {
	if len(got.Items) != len(want.Items) {
		return false
	}
	index := make(map[string]domain.Item, len(want.Items))
	for _, it := range want.Items {
		index[it.ID] = it
	}
	for _, it := range got.Items {
		w, ok := index[it.ID]
		if !ok || w.BucketID != it.BucketID || w.Position != it.Position || w.Version != it.Version {
			return false
		}
	}
	return true
}

func createBoard(baseURL, token string) (string, []string, error) {
	body, _ := sonic.Marshal(domain.CreateBoard{Name: "load " + time.Now().UTC().Format(time.RFC3339)})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/boards", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var created struct {
		Board   domain.Board    `json:"board"`
		Buckets []domain.Bucket `json:"buckets"`
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", nil, err
	}
	ids := make([]string, len(created.Buckets))
	for i, bk := range created.Buckets {
		ids[i] = bk.ID
	}
	return created.Board.ID, ids, nil
}
