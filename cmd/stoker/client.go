package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/stokerhq/stoker/pkg/config"
)

// rpc dials the running broker's websocket and performs one request.
func rpc(cfg *config.Config, method string, params interface{}) (json.RawMessage, error) {
	url := "ws://" + cfg.ListenAddr + "/ws?token=" + cfg.SessionToken
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", cfg.ListenAddr, err)
	}
	defer ws.Close()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := map[string]interface{}{
		"id":     uuid.New().String(),
		"method": method,
		"params": json.RawMessage(rawParams),
	}
	if err := ws.WriteJSON(req); err != nil {
		return nil, err
	}

	// Notifications share the socket; skip them until our reply arrives.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := ws.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		var resp struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := ws.ReadJSON(&resp); err != nil {
			return nil, err
		}
		if resp.ID != req["id"] {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
	return nil, fmt.Errorf("no reply from broker")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show broker health and active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		resp, err := http.Get("http://" + cfg.ListenAddr + "/healthz")
		if err != nil {
			return fmt.Errorf("broker not reachable at %s: %w", cfg.ListenAddr, err)
		}
		defer resp.Body.Close()
		health, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Printf("Health: %s\n", health)

		sessions, err := rpc(cfg, "list_active_sessions", map[string]interface{}{})
		if err != nil {
			return err
		}
		fmt.Printf("Sessions: %s\n", sessions)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished executions from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ageHours, _ := cmd.Flags().GetInt("age-hours")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		result, err := rpc(cfg, "cleanup_completed", map[string]interface{}{
			"age_hours": ageHours,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Cleanup: %s\n", result)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune <notebook-key>",
	Short: "Delete a notebook's expired, unreferenced assets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		referenced, _ := cmd.Flags().GetStringSlice("referenced")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		result, err := rpc(cfg, "prune_unused_assets", map[string]interface{}{
			"notebook_key": args[0],
			"referenced":   referenced,
			"dry_run":      dryRun,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Prune: %s\n", result)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("age-hours", 168, "delete finished executions older than this many hours")
	pruneCmd.Flags().Bool("dry-run", false, "report what would be deleted without touching anything")
	pruneCmd.Flags().StringSlice("referenced", nil, "asset paths still referenced by the notebook document")
}
