// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// client はコマンド実行ごとのフラグとHTTPクライアントを保持する。
type client struct {
	apiURL  string
	output  string
	timeout time.Duration
	http    *http.Client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{}
	rootCmd := &cobra.Command{
		Use:   "credctl",
		Short: "Credential Custody Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.apiURL == "" {
				c.apiURL = os.Getenv("CREDCTL_API_URL")
			}
			c.http = &http.Client{Timeout: c.timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "API endpoint URL (or set CREDCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(c.createCmd())
	rootCmd.AddCommand(c.getCmd())
	rootCmd.AddCommand(c.setCredentialCmd())
	rootCmd.AddCommand(c.revokeCredentialCmd())
	rootCmd.AddCommand(c.revealCmd())
	rootCmd.AddCommand(c.addMemberCmd())
	rootCmd.AddCommand(c.removeMemberCmd())
	rootCmd.AddCommand(c.closeCmd())
	rootCmd.AddCommand(c.historyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "credctl version %s\n", version)
		},
	}
}

// subscription は表示に使うレスポンスの一部。
type subscription struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	MaxMembers    int    `json:"max_members"`
	Status        string `json:"status"`
	HasCredential bool   `json:"has_credential"`
	Version       uint   `json:"version"`
	Members       []struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	} `json:"members"`
}

// createCmd はサブスクリプションの作成コマンド。
func (c *client) createCmd() *cobra.Command {
	var ownerID, name, secretFile string
	var maxMembers int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a shared subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"owner_id":    ownerID,
				"name":        name,
				"max_members": maxMembers,
			}
			if secretFile != "" {
				secret, err := readSecret(cmd, secretFile)
				if err != nil {
					return err
				}
				body["secret"] = secret
			}

			var sub subscription
			if err := c.call(cmd, http.MethodPost, "/v1/subscriptions", body, http.StatusCreated, &sub); err != nil {
				return err
			}
			c.textf(cmd, "Created subscription %s (%q, owner %s)\n", sub.ID, sub.Name, sub.OwnerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner user ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Subscription name (required)")
	cmd.Flags().IntVar(&maxMembers, "max-members", 5, "Maximum number of members besides the owner")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "Read the initial credential from this file (- for stdin)")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")
	return cmd
}

// getCmd はサブスクリプションの取得コマンド。
func (c *client) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get SUBSCRIPTION_ID",
		Short: "Show a subscription (never the credential)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sub subscription
			if err := c.call(cmd, http.MethodGet, subscriptionPath(args[0], ""), nil, http.StatusOK, &sub); err != nil {
				return err
			}
			c.printSubscription(cmd, sub)
			return nil
		},
	}
}

// setCredentialCmd は認証情報の登録・ローテーションコマンド。
func (c *client) setCredentialCmd() *cobra.Command {
	var secretFile string
	cmd := &cobra.Command{
		Use:   "set-credential SUBSCRIPTION_ID",
		Short: "Issue or rotate the shared credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, secretFile)
			if err != nil {
				return err
			}
			var sub subscription
			body := map[string]string{"secret": secret}
			if err := c.call(cmd, http.MethodPut, subscriptionPath(args[0], "/credential"), body, http.StatusOK, &sub); err != nil {
				return err
			}
			c.textf(cmd, "Stored credential for subscription %s (version %d)\n", sub.ID, sub.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&secretFile, "secret-file", "-", "Read the credential from this file (- for stdin)")
	return cmd
}

// revokeCredentialCmd は認証情報の破棄コマンド。
func (c *client) revokeCredentialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-credential SUBSCRIPTION_ID",
		Short: "Discard the shared credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.call(cmd, http.MethodDelete, subscriptionPath(args[0], "/credential"), nil, http.StatusOK, nil); err != nil {
				return err
			}
			c.textf(cmd, "Revoked credential for subscription %s\n", args[0])
			return nil
		},
	}
}

// revealCmd は認証情報の開示コマンド。
func (c *client) revealCmd() *cobra.Command {
	var requesterID string
	cmd := &cobra.Command{
		Use:   "reveal SUBSCRIPTION_ID",
		Short: "Decrypt the shared credential for the owner or an active member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Secret string `json:"secret"`
			}
			body := map[string]string{"requester_id": requesterID}
			if err := c.call(cmd, http.MethodPost, subscriptionPath(args[0], "/credential/reveal"), body, http.StatusOK, &result); err != nil {
				return err
			}
			c.textf(cmd, "%s\n", result.Secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&requesterID, "as", "", "Requesting user ID (required)")
	cmd.MarkFlagRequired("as")
	return cmd
}

// addMemberCmd はメンバー追加コマンド。
func (c *client) addMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-member SUBSCRIPTION_ID USER_ID",
		Short: "Grant a user access to the shared credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"user_id": args[1]}
			if err := c.call(cmd, http.MethodPost, subscriptionPath(args[0], "/members"), body, http.StatusOK, nil); err != nil {
				return err
			}
			c.textf(cmd, "Added %s to subscription %s\n", args[1], args[0])
			return nil
		},
	}
}

// removeMemberCmd はメンバーのアクセス権取り消しコマンド。
func (c *client) removeMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member SUBSCRIPTION_ID USER_ID",
		Short: "Revoke a member's access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := subscriptionPath(args[0], "/members/"+url.PathEscape(args[1]))
			if err := c.call(cmd, http.MethodDelete, path, nil, http.StatusOK, nil); err != nil {
				return err
			}
			c.textf(cmd, "Revoked %s from subscription %s\n", args[1], args[0])
			return nil
		},
	}
}

// closeCmd はサブスクリプションの終了コマンド。
func (c *client) closeCmd() *cobra.Command {
	var reason string
	var purge bool
	cmd := &cobra.Command{
		Use:   "close SUBSCRIPTION_ID",
		Short: "Close a subscription, or purge an already closed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if purge {
				if err := c.call(cmd, http.MethodDelete, subscriptionPath(args[0], "?purge=true"), nil, http.StatusNoContent, nil); err != nil {
					return err
				}
				c.textf(cmd, "Purged subscription %s\n", args[0])
				return nil
			}
			body := map[string]string{"reason": reason}
			if err := c.call(cmd, http.MethodDelete, subscriptionPath(args[0], ""), body, http.StatusOK, nil); err != nil {
				return err
			}
			c.textf(cmd, "Closed subscription %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit history")
	cmd.Flags().BoolVar(&purge, "purge", false, "Delete a closed subscription (history is kept)")
	return cmd
}

// historyCmd はイベント履歴の表示コマンド。
func (c *client) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history SUBSCRIPTION_ID",
		Short: "Show the audit history of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Events []struct {
					EventID    string `json:"event_id"`
					EventType  string `json:"event_type"`
					OccurredOn string `json:"occurred_on"`
				} `json:"events"`
			}
			if err := c.call(cmd, http.MethodGet, subscriptionPath(args[0], "/events"), nil, http.StatusOK, &result); err != nil {
				return err
			}

			if c.output == "json" {
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "OCCURRED_ON\tEVENT\tEVENT_ID")
			for _, e := range result.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.OccurredOn, e.EventType, e.EventID)
			}
			return w.Flush()
		},
	}
}

func subscriptionPath(id, suffix string) string {
	return "/v1/subscriptions/" + url.PathEscape(id) + suffix
}

func (c *client) printSubscription(cmd *cobra.Command, sub subscription) {
	if c.output == "json" {
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", sub.ID)
	fmt.Fprintf(w, "NAME\t%s\n", sub.Name)
	fmt.Fprintf(w, "OWNER\t%s\n", sub.OwnerID)
	fmt.Fprintf(w, "STATUS\t%s\n", sub.Status)
	fmt.Fprintf(w, "CREDENTIAL\t%t\n", sub.HasCredential)
	fmt.Fprintf(w, "MEMBERS\t%d/%d\n", len(sub.Members), sub.MaxMembers)
	for _, m := range sub.Members {
		fmt.Fprintf(w, "  %s\t%s\n", m.UserID, m.Status)
	}
	w.Flush()
}

// textf はテキスト出力の場合のみ書き出す。
func (c *client) textf(cmd *cobra.Command, format string, args ...interface{}) {
	if c.output == "json" {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// readSecret はファイルまたは標準入力から秘密情報を読む。末尾の改行は除く。
func readSecret(cmd *cobra.Command, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	secret := string(bytes.TrimRight(raw, "\r\n"))
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}

// call はAPIを呼び出し、期待したステータスであれば応答を out に読み込む。
// --output json の場合は応答をそのまま出力する。
func (c *client) call(cmd *cobra.Command, method, path string, body interface{}, wantStatus int, out interface{}) error {
	if c.apiURL == "" {
		return fmt.Errorf("--api-url is required (or set CREDCTL_API_URL)")
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, c.apiURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	switch {
	case resp.StatusCode == wantStatus:
	case resp.StatusCode == http.StatusAccepted && wantStatus != http.StatusNoContent:
		// 変更は保存済みで、イベント配信はサーバーが後から再試行する
		fmt.Fprintln(cmd.ErrOrStderr(), "note: change saved, event delivery pending")
	default:
		return handleErrorResponse(resp.StatusCode, respBody)
	}

	if c.output == "json" && len(respBody) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
