package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/neurastack/ensemble/internal/config"
	"github.com/neurastack/ensemble/internal/ensemble"
	"github.com/neurastack/ensemble/internal/provider"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one prompt through the ensemble and print the envelope",
	Long: `Execute a single prompt against the configured model registry and exit.

Without real provider credentials this demo wires a canned in-process
client, which is enough to exercise routing, fan-out, voting, synthesis,
and the cache end to end.`,
	Example: `  # Prompt as arguments
  ensemble run "Define entropy."

  # Pipe from stdin
  echo "Define entropy." | ensemble run`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringP("user", "u", "cli", "User ID for cache and rate-limit identity")
	runCmd.Flags().StringP("tier", "t", config.TierFree, "Request tier: free or premium")
	runCmd.Flags().Bool("pretty", true, "Indent the JSON envelope")
}

func runOnce(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		if stat, err := os.Stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			prompt = strings.TrimSpace(string(raw))
		}
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	cfg := configFrom(cmd.Context())
	client := demoClient(cfg)

	ens, err := ensemble.New(cfg, client)
	if err != nil {
		return err
	}
	defer ens.Close()

	user, _ := cmd.Flags().GetString("user")
	tier, _ := cmd.Flags().GetString("tier")

	env := ens.Run(cmd.Context(), ensemble.Input{
		Prompt: prompt,
		UserID: user,
		Tier:   tier,
	})

	pretty, _ := cmd.Flags().GetBool("pretty")
	var out []byte
	if pretty {
		out, err = sonic.MarshalIndent(env, "", "  ")
	} else {
		out, err = sonic.Marshal(env)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// demoClient builds a canned client answering for every configured model.
func demoClient(cfg *config.Config) provider.Client {
	scripts := make(map[string]*provider.Script, len(cfg.Models))
	for i, m := range cfg.Models {
		scripts[m.Name] = &provider.Script{
			Text: fmt.Sprintf("[%s] This is a canned demo completion; wire a real provider client for live answers.", m.Name),
			Confidence: 0.7 + 0.05*float64(i%3),
			Latency:    50 * time.Millisecond,
		}
	}
	return provider.NewStaticClient(scripts)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := sonic.MarshalIndent(configFrom(cmd.Context()), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
