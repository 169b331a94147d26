package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/frontdesk/internal/api"
	"github.com/kalambet/frontdesk/internal/config"
	"github.com/kalambet/frontdesk/internal/storage"
)

type requestList struct {
	Requests []storage.HelpRequest `json:"requests"`
}

type knowledgeList struct {
	Entries []storage.KnowledgeEntry `json:"entries"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Send a caller question through the webhook, as the voice agent would",
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		caller, _ := cmd.Flags().GetString("caller")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, os.Stdout, caller, question)
	},
}

func init() {
	askCmd.Flags().String("question", "", "the caller's question (required)")
	askCmd.Flags().String("caller", "{}", "caller metadata as a JSON object")
	askCmd.MarkFlagRequired("question")
}

func ask(ctx context.Context, client *apiClient, w io.Writer, caller, question string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("question must not be empty")
	}
	if !json.Valid([]byte(caller)) {
		return fmt.Errorf("caller must be valid JSON")
	}

	resp, err := client.post(ctx, "/webhook", api.WebhookEvent{
		Type:     "inbound_call",
		Caller:   json.RawMessage(caller),
		Question: question,
	})
	if err != nil {
		return err
	}

	var out api.WebhookResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	switch out.Status {
	case "answered":
		printSuccess("Answered from knowledge base")
		fmt.Fprintln(w, out.Answer)
	case "escalated":
		printWarning("Escalated to supervisor (request %s)", out.RequestID)
		fmt.Fprintln(w, out.Message)
	default:
		printWarning("Server replied %q: %s", out.Status, out.Detail)
	}
	return nil
}

// --- requests ---

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List and resolve help requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List help requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRequests(cmd.Context(), client, os.Stdout, status)
	},
}

var requestsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single help request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showRequest(cmd.Context(), client, os.Stdout, args[0])
	},
}

var requestsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Answer a pending help request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		answer, _ := cmd.Flags().GetString("answer")
		unresolved, _ := cmd.Flags().GetBool("unresolved")
		if answer == "" && !unresolved {
			return fmt.Errorf("--answer is required unless --unresolved is set")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return resolveRequest(cmd.Context(), client, os.Stdout, args[0], answer, !unresolved)
	},
}

func init() {
	requestsListCmd.Flags().String("status", "", "filter by status (Pending, Resolved, Unresolved)")
	requestsResolveCmd.Flags().String("answer", "", "answer to send to the caller")
	requestsResolveCmd.Flags().Bool("unresolved", false, "close the request without learning the answer")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)
	requestsCmd.AddCommand(requestsResolveCmd)
}

func listRequests(ctx context.Context, client *apiClient, w io.Writer, status string) error {
	path := "/api/requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}

	var list requestList
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list.Requests) == 0 {
		fmt.Fprintln(w, "No help requests found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, hr := range list.Requests {
		question := hr.Question
		if len(question) > 60 {
			question = question[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			hr.ID,
			colorStatus(string(hr.Status)),
			hr.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			question,
		)
	}
	return tw.Flush()
}

func showRequest(ctx context.Context, client *apiClient, w io.Writer, id string) error {
	resp, err := client.get(ctx, "/api/requests/"+url.PathEscape(id))
	if err != nil {
		return err
	}

	var hr storage.HelpRequest
	if err := decodeJSON(resp, &hr); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(hr)
}

func resolveRequest(ctx context.Context, client *apiClient, w io.Writer, id, answer string, resolved bool) error {
	resp, err := client.post(ctx, "/api/requests/"+url.PathEscape(id)+"/resolve", map[string]any{
		"answer":   answer,
		"resolved": resolved,
	})
	if err != nil {
		return err
	}

	var hr storage.HelpRequest
	if err := decodeJSON(resp, &hr); err != nil {
		return err
	}

	printSuccess("Request %s is now %s", hr.ID, colorStatus(string(hr.Status)))
	if hr.Status == storage.StatusResolved && hr.SupervisorAnswer != "" {
		fmt.Fprintf(w, "Learned: %s\n", hr.SupervisorAnswer)
	}
	return nil
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Show learned answers",
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listKnowledge(cmd.Context(), client, os.Stdout)
	},
}

func init() {
	knowledgeCmd.AddCommand(knowledgeListCmd)
}

func listKnowledge(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/api/knowledge")
	if err != nil {
		return err
	}

	var list knowledgeList
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list.Entries) == 0 {
		fmt.Fprintln(w, "Nothing learned yet.")
		return nil
	}

	for _, e := range list.Entries {
		fmt.Fprintf(w, "%s\n  Q: %s\n  A: %s\n", cyan(e.Key), e.Question, e.Answer)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		printConfig(os.Stdout, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printConfig(w io.Writer, cfg config.Config) {
	for _, k := range config.ShowAll(cfg) {
		fmt.Fprintf(w, "  %s = %s\n", bold(k.Key), k.Value)
	}
}
