package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCallCmd(v *viper.Viper) *cobra.Command {
	var instructions string
	cmd := &cobra.Command{
		Use:   "call <phone-number>",
		Short: "Place an outbound call through a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v.SetDefault("API_BASE_URL", "http://localhost:8080")
			v.AutomaticEnv()
			return placeCall(cmd.OutOrStdout(), v.GetString("API_BASE_URL"), args[0], instructions)
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "system instructions for the assistant on this call")
	cmd.Flags().String("api", "", "base URL of the voicecall server (overrides API_BASE_URL)")
	_ = v.BindPFlag("API_BASE_URL", cmd.Flags().Lookup("api"))
	return cmd
}

func placeCall(out io.Writer, baseURL, phoneNumber, instructions string) error {
	payload, err := json.Marshal(map[string]string{
		"phone_number":        phoneNumber,
		"system_instructions": instructions,
	})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(baseURL, "/")+"/calls", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("call failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created struct {
		CallSID string `json:"call_sid"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	_, err = fmt.Fprintf(out, "call %s %s\n", created.CallSID, created.Status)
	return err
}
