package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BustosAndrew/calhacks10/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one chat message as a user",
	Long: `Send one chat message as a user and print the assistant's reply.

Examples:
  macrochat chat --uid alice "I drank a glass of water"
  macrochat chat --uid alice "what did I eat today?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("uid")
		if strings.TrimSpace(uid) == "" {
			return errors.New("--uid is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/chat", map[string]string{
			"uid": uid,
			"msg": strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		var reply struct {
			Msg string `json:"msg"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}
		fmt.Println(reply.Msg)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("uid", "", "user id to chat as")
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Create and inspect users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user (initializes an empty chat history)",
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("uid")
		profileJSON, _ := cmd.Flags().GetString("profile")

		req := map[string]any{"uid": uid}
		if profileJSON != "" {
			var fields map[string]any
			if err := json.Unmarshal([]byte(profileJSON), &fields); err != nil {
				return fmt.Errorf("--profile must be a JSON object: %w", err)
			}
			req["profile"] = fields
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/users", req)
		if err != nil {
			return err
		}

		var user struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &user); err != nil {
			return err
		}
		printSuccess("Created user %s", user.ID)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <uid>",
	Short: "Show a user and their profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/users/"+url.PathEscape(args[0]))
	},
}

func init() {
	userCreateCmd.Flags().String("uid", "", "user id (default: generated)")
	userCreateCmd.Flags().String("profile", "", `initial profile, e.g. '{"allergies":["peanut"],"goal_calories":2000}'`)
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userShowCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage a user's profile",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <uid> <key> <value>",
	Short: "Set a profile field (empty value clears it)",
	Long: `Set a profile field. List fields take a JSON array of strings.

Examples:
  macrochat profile set alice allergies '["peanut","shellfish"]'
  macrochat profile set alice goal_calories 1800
  macrochat profile set alice goal_sugar ""`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, key, value := args[0], args[1], args[2]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/users/"+url.PathEscape(uid)+"/profile", map[string]any{key: value})
		if err != nil {
			return err
		}

		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileSetCmd)
}

// --- ledger ---

var ledgerCmd = &cobra.Command{
	Use:   "ledger <uid>",
	Short: "Show a user's macro totals for a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		asJSON, _ := cmd.Flags().GetBool("json")

		path := "/users/" + url.PathEscape(args[0]) + "/ledger"
		if date != "" {
			path += "?date=" + url.QueryEscape(date)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		if asJSON {
			return printJSON(raw)
		}
		var view ledgerView
		if err := json.Unmarshal(raw, &view); err != nil {
			return fmt.Errorf("decoding ledger: %w", err)
		}
		printLedger(view)
		return nil
	},
}

type ledgerView struct {
	Day    string             `json:"day"`
	Totals map[string]float64 `json:"totals"`
	Foods  []string           `json:"foods"`
}

var ledgerFields = []string{"calories", "protein", "fat", "carbs", "sugar", "sodium", "vitamins"}

func printLedger(v ledgerView) {
	fmt.Printf("%s\n", colorize(colorBold, v.Day))
	for _, f := range ledgerFields {
		fmt.Printf("  %-9s %g\n", f, v.Totals[f])
	}
	if len(v.Foods) == 0 {
		fmt.Println("  nothing logged")
		return
	}
	fmt.Printf("  %s %s\n", colorize(colorCyan, "foods:"), strings.Join(v.Foods, ", "))
}

func init() {
	ledgerCmd.Flags().String("date", "", "day to show as YYYY-MM-DD (default: today)")
	ledgerCmd.Flags().Bool("json", false, "print the raw ledger JSON")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <uid>",
	Short: "Print a user's chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}

		var turns []struct {
			Role     string `json:"role"`
			Content  string `json:"content"`
			ToolName string `json:"tool_name"`
			ToolArgs string `json:"tool_args"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, t := range turns {
			text := t.Content
			if t.ToolName != "" {
				text = t.ToolName + t.ToolArgs
			}
			fmt.Printf("%s %s\n", colorize(colorCyan, t.Role+":"), text)
		}
		return nil
	},
}

// --- food ---

var foodCmd = &cobra.Command{
	Use:   "food",
	Short: "Manage the food catalog",
}

var foodImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import foods from a JSON array of {name, calories, ...}",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s is not valid JSON", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/foods", json.RawMessage(data))
		if err != nil {
			return err
		}

		var result struct {
			Imported int `json:"imported"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Imported %d foods", result.Imported)
		return nil
	},
}

var foodListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog foods",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/foods?limit=%d", limit))
		if err != nil {
			return err
		}

		var foods []struct {
			Name     string  `json:"name"`
			Calories float64 `json:"calories"`
			Protein  float64 `json:"protein"`
			Fat      float64 `json:"fat"`
			Carbs    float64 `json:"carbs"`
		}
		if err := decodeJSON(resp, &foods); err != nil {
			return err
		}
		if len(foods) == 0 {
			fmt.Println("Catalog is empty.")
			return nil
		}
		for _, f := range foods {
			fmt.Printf("%-24s %6g kcal  P %g  F %g  C %g\n", colorize(colorBold, f.Name), f.Calories, f.Protein, f.Fat, f.Carbs)
		}
		return nil
	},
}

func init() {
	foodListCmd.Flags().Int("limit", 100, "maximum number of foods to list")
	foodCmd.AddCommand(foodImportCmd)
	foodCmd.AddCommand(foodListCmd)
}

func getAndPrint(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var v any
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	return printJSON(v)
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
		cfg, err := config.LoadLenient()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "($"+k.EnvVar+")"))
		}
		if cfg.LLM.APIKey == "" {
			printWarning("llm.api_key is not set")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store the LLM API key in the secrets file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAPIKey(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("Stored LLM API key")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}
