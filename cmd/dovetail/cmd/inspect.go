package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmallach/dovetail/internal/hls"
	"github.com/jmallach/dovetail/internal/observability"
)

var inspectPatched bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <playlist-url>",
	Short: "Fetch a playlist and show what the codec patch would change",
	Long: `Fetch a master playlist with the configured auth headers and print a
line diff of the codec patch: Dolby Vision codec identifiers rewritten to
the HEVC tag and I-FRAME-STREAM-INF entries dropped.

With --patched, print the patched playlist itself instead of the diff.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectPatched, "patched", false, "print the patched playlist instead of a diff")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := upstreamClient(cfg, observability.WithComponent(slog.Default(), "httpclient"))

	body, err := client.GetBytes(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("fetching playlist: %w", err)
	}

	text := string(body)
	if inspectPatched {
		fmt.Print(hls.PatchMasterPlaylist(text, true))
		return nil
	}

	if !hls.ContainsDVCodec(text) {
		fmt.Println("no Dolby Vision codec identifiers found")
	}
	printPatchDiff(text)
	return nil
}

// printPatchDiff prints a unified-style line diff of the master playlist
// patch. The patch only rewrites or drops whole lines, so a per-line
// comparison is exact.
func printPatchDiff(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		patched := hls.PatchMasterPlaylist(line, true)
		switch {
		case patched == line:
			fmt.Println("  " + line)
		case patched == "":
			fmt.Println("- " + line)
		default:
			fmt.Println("- " + line)
			fmt.Println("+ " + patched)
		}
	}
}
