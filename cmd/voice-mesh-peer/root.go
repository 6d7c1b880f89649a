package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "voice-mesh-peer",
		Short: "Headless participant of a peer-to-peer voice room",
		Long: `voice-mesh-peer joins a voice room through a voice-mesh relay and holds one
WebRTC audio connection to every other participant.

Settings come from flags, then VOICE_MESH_* environment variables, then the
optional YAML file given with --config.`,
		Version: version(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.AddCommand(newJoinCmd(&configPath))
	return root
}

func version() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
		if bi.Main.Version != "" {
			return bi.Main.Version
		}
	}
	return "dev"
}
