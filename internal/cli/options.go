package cli

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/shipyard/internal/container"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// releaseFlags are the channel and gate flags shared by run, plan and info.
// Unset flags fall back to the release and gates sections of the config.
type releaseFlags struct {
	releaseType  string
	targetBranch string

	publishAndroid bool
	publishIOS     bool
	publishDesktop bool
	publishWeb     bool
	buildIOS       bool

	only []string
}

func (f *releaseFlags) addChannelFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.releaseType, "release-type", "t", "", "release type: internal or beta (default from config)")
	cmd.Flags().StringVarP(&f.targetBranch, "target-branch", "b", "", "branch to release (default from config)")
}

func (f *releaseFlags) addGateFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.publishAndroid, "publish-android", false, "publish the Android build to Firebase and Play Store")
	cmd.Flags().BoolVar(&f.publishIOS, "publish-ios", false, "publish the iOS build to Firebase and App Center (requires --build-ios)")
	cmd.Flags().BoolVar(&f.publishDesktop, "publish-desktop", false, "publish the desktop builds")
	cmd.Flags().BoolVar(&f.publishWeb, "publish-web", false, "publish the web bundle")
	cmd.Flags().BoolVar(&f.buildIOS, "build-ios", false, "build iOS; without it iOS is neither built nor published")
	cmd.Flags().StringSliceVar(&f.only, "only", nil, "run only these stages and the stages they need")
}

// channel resolves the release channel from flags and config.
func (f *releaseFlags) channel() (domain.Channel, error) {
	raw := f.releaseType
	if raw == "" {
		raw = cfg.Release.Type
	}
	if raw == "" {
		return domain.Channel{}, rperrors.Validation("cli", "release type is required (--release-type)")
	}
	rt, err := domain.ParseReleaseType(raw)
	if err != nil {
		return domain.Channel{}, rperrors.ValidationWrap(err, "cli", "invalid release type")
	}

	branch := strings.TrimSpace(f.targetBranch)
	if branch == "" {
		branch = cfg.Release.TargetBranch
	}
	if branch == "" {
		return domain.Channel{}, rperrors.Validation("cli", "target branch is required (--target-branch)")
	}
	return domain.Channel{ReleaseType: rt, TargetBranch: branch}, nil
}

// gate merges gate flags over the configured gates. Only flags given on
// the command line override the config.
func (f *releaseFlags) gate(cmd *cobra.Command, ch domain.Channel) domain.PublishGate {
	g := domain.PublishGate{
		PublishAndroid: cfg.Gates.PublishAndroid,
		PublishIOS:     cfg.Gates.PublishIOS,
		PublishDesktop: cfg.Gates.PublishDesktop,
		PublishWeb:     cfg.Gates.PublishWeb,
		BuildIOS:       cfg.Gates.BuildIOS,
		ReleaseType:    ch.ReleaseType,
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*bool{
		"publish-android": &g.PublishAndroid,
		"publish-ios":     &g.PublishIOS,
		"publish-desktop": &g.PublishDesktop,
		"publish-web":     &g.PublishWeb,
		"build-ios":       &g.BuildIOS,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	return g
}

// newContainer builds the service container for the working directory.
// Commands that run stages pass initialize; the rest only read state.
func newContainer(ctx context.Context, initialize bool) (*container.Container, error) {
	c, err := container.New(cfg, container.Options{
		Logger:  logger,
		Version: versionInfo.Version,
	})
	if err != nil {
		return nil, err
	}
	if initialize {
		if err := c.Initialize(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		logOutput.Add(c.Redact)
	}
	return c, nil
}

// writeJSON writes v as indented JSON to stdout.
func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
