package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	api := &apiClient{httpClient: &http.Client{Timeout: 15 * time.Second}}

	rootCmd := &cobra.Command{
		Use:   "rolloutctl",
		Short: "Operate staged cost-optimization rollouts",
		Long: `rolloutctl submits optimization rollouts to the rollout service and
tracks them through their staged phases.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&api.baseURL, "addr", "http://localhost:8084", "rollout service address")
	rootCmd.PersistentFlags().StringVar(&api.token, "token", os.Getenv("ROLLOUT_AUTH_TOKEN"), "bearer token for write operations")

	rootCmd.AddCommand(
		newSubmitCommand(api),
		newStatusCommand(api),
		newListCommand(api),
		newCancelCommand(api),
	)

	return rootCmd.Execute()
}

func newSubmitCommand(api *apiClient) *cobra.Command {
	var (
		customer string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a rollout for a customer",
		Long: `Submit a set of optimization opportunities as a new staged rollout.

Opportunities are read as a JSON array from --file, or from stdin when
--file is "-". An empty set defers discovery to the service's analyzer.

Examples:
  rolloutctl submit --customer acme --file opportunities.json
  cat opportunities.json | rolloutctl submit --customer acme --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if customer == "" {
				return fmt.Errorf("--customer is required")
			}
			var opps []models.Opportunity
			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &opps); err != nil {
					return fmt.Errorf("parse opportunities: %w", err)
				}
			}

			payload := map[string]interface{}{
				"customerId":    customer,
				"opportunities": opps,
			}
			var st models.WorkflowState
			if err := api.do(http.MethodPost, "/api/v1/rollouts", payload, &st); err != nil {
				return err
			}
			fmt.Printf("rollout %s submitted for %s (%d opportunities)\n", st.ID, st.CustomerID, len(st.Opportunities))
			return nil
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "customer the rollout belongs to")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with the opportunity array, - for stdin")
	return cmd
}

func newStatusCommand(api *apiClient) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <rollout-id>",
		Short: "Show one rollout's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.WorkflowState
			if err := api.do(http.MethodGet, "/api/v1/rollouts/"+args[0], nil, &st); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printWorkflow(&st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw workflow state")
	return cmd
}

func newListCommand(api *apiClient) *cobra.Command {
	var (
		customer   string
		status     string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rollouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/rollouts?limit=%d", limit)
			if customer != "" {
				path += "&customer=" + customer
			}
			if status != "" {
				path += "&status=" + status
			}
			var resp struct {
				Rollouts []*models.WorkflowState `json:"rollouts"`
				Count    int                     `json:"count"`
			}
			if err := api.do(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			if resp.Count == 0 {
				fmt.Println("no rollouts found")
				return nil
			}
			for _, st := range resp.Rollouts {
				fmt.Printf("%s  %-12s  %-18s  %s\n", st.ID, st.CustomerID, st.Status, st.CreatedAt.Format(time.RFC3339))
				if st.ErrorMessage != "" {
					fmt.Printf("    %s\n", st.ErrorMessage)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer")
	cmd.Flags().StringVar(&status, "status", "", "filter by workflow status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rollouts to return")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	return cmd
}

func newCancelCommand(api *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <rollout-id>",
		Short: "Request cancellation of a running rollout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.WorkflowState
			if err := api.do(http.MethodPost, "/api/v1/rollouts/"+args[0]+"/cancel", nil, &st); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for %s (currently %s)\n", st.ID, st.Status)
			return nil
		},
	}
}

func printWorkflow(st *models.WorkflowState) {
	fmt.Printf("rollout:  %s\n", st.ID)
	fmt.Printf("customer: %s\n", st.CustomerID)
	fmt.Printf("status:   %s\n", st.Status)
	if st.ErrorMessage != "" {
		fmt.Printf("error:    %s\n", st.ErrorMessage)
	}
	if st.FinalSavings > 0 {
		fmt.Printf("savings:  %.2f/month\n", st.FinalSavings)
	}
	for _, phase := range st.Phases {
		fmt.Printf("  phase %-4s %d/%d migrated (success rate %.2f)\n",
			phase.Phase, phase.InstancesMigrated, phase.InstancesTotal, phase.SuccessRate)
	}
	for _, approval := range st.Approvals {
		verdict := "approved"
		if !approval.Approved {
			verdict = "denied"
		}
		fmt.Printf("  review %s: %s (confidence %.2f)\n", approval.Reviewer, verdict, approval.Confidence)
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (c *apiClient) do(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rollout service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
