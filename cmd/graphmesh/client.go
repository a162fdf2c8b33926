package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/graphmesh/graphmesh/pkg/bytesize"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// adminClient talks to a running node's admin API, exchanging the admin
// token for a session token on first use.
type adminClient struct {
	baseURL string
	session string
	http    *http.Client
}

func newAdminClient() (*adminClient, error) {
	token := adminToken
	if token == "" {
		token = os.Getenv("GRAPHMESH_ADMIN_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("admin token required (--admin-token or GRAPHMESH_ADMIN_TOKEN)")
	}

	c := &adminClient{
		baseURL: strings.TrimRight(adminURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	body, _ := json.Marshal(proto.AuthRequest{Token: token})
	resp, err := c.http.Post(c.baseURL+"/api/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connect to admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authentication failed: %s", resp.Status)
	}

	var auth proto.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	c.session = auth.Token
	return c, nil
}

func (c *adminClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.session)
	return c.do(req, out)
}

func (c *adminClient) post(path string, out any) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.session)
	return c.do(req, out)
}

func (c *adminClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr proto.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus() error {
	// Health is unauthenticated; no session needed.
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(strings.TrimRight(adminURL, "/") + "/health")
	if err != nil {
		return fmt.Errorf("connect to admin API: %w", err)
	}
	defer resp.Body.Close()

	var health proto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Printf("Node:       %s (%s)\n", health.Name, health.Version)
	fmt.Printf("Status:     %s\n", health.Status)
	fmt.Printf("Instances:  %d/%d ephemeral\n", health.EphemeralActive, health.EphemeralCapacity)
	fmt.Printf("Known hosts: %d\n", health.KnownHosts)
	if health.LastReconcile != nil {
		fmt.Printf("Last reconcile: added=%d updated=%d unchanged=%d",
			health.LastReconcile.Added, health.LastReconcile.Updated, health.LastReconcile.Unchanged)
		if health.LastReconcileAt != nil {
			fmt.Printf(" at %s", health.LastReconcileAt.Format(time.RFC3339))
		}
		fmt.Println()
		if health.ReconcileError != "" {
			fmt.Printf("Reconcile error: %s\n", health.ReconcileError)
		}
	}
	return nil
}

func runInstances() error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}

	var infos []proto.InstanceInfo
	if err := c.get("/api/v1/instances", &infos); err != nil {
		return err
	}

	fmt.Printf("%-40s %-25s %s\n", "PATH", "CREATED", "IDLE")
	for _, info := range infos {
		fmt.Printf("%-40s %-25s %.0fs\n", info.Path,
			info.CreatedAt.Format(time.RFC3339), info.IdleSecs)
	}
	return nil
}

func runPeers(host string) error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}

	if host != "" {
		var sum proto.ReputationSummary
		if err := c.get("/api/v1/reputation/"+host, &sum); err != nil {
			return err
		}
		printPeer(sum)
		return nil
	}

	var sums []proto.ReputationSummary
	if err := c.get("/api/v1/reputation", &sums); err != nil {
		return err
	}
	fmt.Printf("%-30s %-8s %-8s %-8s %s\n", "HOST", "SCORE", "PULSES", "PINS", "LAST PULSE")
	for _, sum := range sums {
		fmt.Printf("%-30s %-8.3f %-8d %-8d %s\n", sum.Host, sum.CalculatedScore,
			sum.Metrics.PulseCount, sum.Metrics.PinRequestsFulfilled,
			sum.LastPulse.Format(time.RFC3339))
	}
	return nil
}

func printPeer(sum proto.ReputationSummary) {
	fmt.Printf("Host:             %s\n", sum.Host)
	fmt.Printf("Score:            %.3f (published %.3f)\n", sum.CalculatedScore, sum.StoredScore)
	fmt.Printf("Pulses:           %d\n", sum.Metrics.PulseCount)
	fmt.Printf("Pins fulfilled:   %d (%d failed)\n", sum.Metrics.PinRequestsFulfilled, sum.Metrics.PinRequestsFailed)
	fmt.Printf("Storage proofs:   %d ok, %d failed\n", sum.Metrics.StorageProofsOk, sum.Metrics.StorageProofsFailed)
	fmt.Printf("Avg response:     %.1fms\n", sum.Metrics.AvgResponseMillis)
	fmt.Printf("First seen:       %s\n", sum.FirstSeen.Format(time.RFC3339))
	fmt.Printf("Last pulse:       %s\n", sum.LastPulse.Format(time.RFC3339))
}

func runDeals() error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}

	var list []proto.Deal
	if err := c.get("/api/v1/deals", &list); err != nil {
		return err
	}

	fmt.Printf("%-8s %-46s %-10s %-12s %s\n", "ID", "CID", "STATUS", "SIZE", "CLIENT")
	for _, d := range list {
		fmt.Printf("%-8d %-46s %-10s %-12s %s\n", d.DealID, d.CID, d.Status,
			bytesize.Format(int64(d.SizeBytes)), d.ClientAddress)
	}
	return nil
}

func runReconcile() error {
	c, err := newAdminClient()
	if err != nil {
		return err
	}

	var resp proto.ReconcileResponse
	if err := c.post("/api/v1/reconcile", &resp); err != nil {
		return err
	}
	fmt.Printf("Reconciled: added=%d updated=%d unchanged=%d\n",
		resp.Result.Added, resp.Result.Updated, resp.Result.Unchanged)
	if resp.Error != "" {
		fmt.Printf("Error: %s\n", resp.Error)
	}
	return nil
}
