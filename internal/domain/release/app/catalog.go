package app

import (
	"fmt"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// Stage names. They are stable identifiers used in configuration, run
// records and the --only flag.
const (
	StageGenerateReleaseInfo     = "generate_release_info"
	StageBuildAndroid            = "build_android"
	StageBuildIOS                = "build_ios"
	StageBuildDesktop            = "build_desktop"
	StageBuildWeb                = "build_web"
	StagePublishAndroidFirebase  = "publish_android_on_firebase"
	StagePublishAndroidPlayStore = "publish_android_on_playstore"
	StagePublishIOSFirebase      = "publish_ios_app_to_firebase"
	StagePublishIOSAppCenter     = "publish_ios_app_to_app_center"
	StagePublishDesktop          = "publish_desktop"
	StagePublishWeb              = "publish_web"
	StageGitHubRelease           = "github_release"
)

// Artifact names written by the metadata stage.
const (
	ArtifactChangelog     = "changelog"
	ArtifactChangelogBeta = "changelog-beta"
)

// MatrixCell names one cell of a matrix stage: build_desktop[linux].
func MatrixCell(base string, os domain.DesktopOS) string {
	return fmt.Sprintf("%s[%s]", base, os)
}

// StageDef is the static description of a stage: what it needs, which
// gate controls it and what it does.
type StageDef struct {
	Name     string
	Kind     domain.StageKind
	Platform domain.Platform
	OS       domain.DesktopOS
	Needs    []string
	// Retry marks the store upload that is retried on transient failures.
	Retry bool
	// Placeholder marks publish stages with no upstream publish action.
	Placeholder bool
	gate        func(domain.PublishGate) (bool, string)
}

// Enabled evaluates the stage gate.
func (d StageDef) Enabled(g domain.PublishGate) (bool, string) {
	if d.gate == nil {
		return true, ""
	}
	return d.gate(g)
}

func gateFlag(flag string, get func(domain.PublishGate) bool) func(domain.PublishGate) (bool, string) {
	return func(g domain.PublishGate) (bool, string) {
		if get(g) {
			return true, ""
		}
		return false, flag + " is off"
	}
}

var (
	gatePublishAndroid = gateFlag("publish_android", func(g domain.PublishGate) bool { return g.PublishAndroid })
	gatePublishIOS     = gateFlag("publish_ios", func(g domain.PublishGate) bool { return g.PublishIOS })
	gatePublishDesktop = gateFlag("publish_desktop", func(g domain.PublishGate) bool { return g.PublishDesktop })
	gatePublishWeb     = gateFlag("publish_web", func(g domain.PublishGate) bool { return g.PublishWeb })
	gateBuildIOS       = gateFlag("build_ios", func(g domain.PublishGate) bool { return g.BuildIOS })
)

func gateBeta(g domain.PublishGate) (bool, string) {
	if g.ReleaseType == domain.ReleaseBeta {
		return true, ""
	}
	return false, fmt.Sprintf("release type is %s, not beta", g.ReleaseType)
}

// desktopPublishOS lists the desktop cells that have a publish stage.
var desktopPublishOS = []domain.DesktopOS{domain.DesktopWindows, domain.DesktopMacOS}

// Catalog returns the release graph definition.
func Catalog() []StageDef {
	meta := []string{StageGenerateReleaseInfo}

	defs := []StageDef{
		{Name: StageGenerateReleaseInfo, Kind: domain.KindMetadata},
		{Name: StageBuildAndroid, Kind: domain.KindBuild, Platform: domain.PlatformAndroid, Needs: meta},
		{Name: StageBuildIOS, Kind: domain.KindBuild, Platform: domain.PlatformIOS, Needs: meta, gate: gateBuildIOS},
	}

	desktopBuilds := make([]string, 0, len(domain.AllDesktopOS))
	for _, os := range domain.AllDesktopOS {
		name := MatrixCell(StageBuildDesktop, os)
		desktopBuilds = append(desktopBuilds, name)
		defs = append(defs, StageDef{Name: name, Kind: domain.KindBuild, Platform: domain.PlatformDesktop, OS: os, Needs: meta})
	}
	defs = append(defs,
		StageDef{Name: StageBuildWeb, Kind: domain.KindBuild, Platform: domain.PlatformWeb, Needs: meta},

		StageDef{Name: StagePublishAndroidFirebase, Kind: domain.KindPublish, Platform: domain.PlatformAndroid,
			Needs: []string{StageBuildAndroid}, gate: gatePublishAndroid},
		StageDef{Name: StagePublishAndroidPlayStore, Kind: domain.KindPublish, Platform: domain.PlatformAndroid,
			Needs: []string{StageBuildAndroid}, gate: gatePublishAndroid, Retry: true},
		StageDef{Name: StagePublishIOSFirebase, Kind: domain.KindPublish, Platform: domain.PlatformIOS,
			Needs: []string{StageBuildIOS}, gate: gatePublishIOS},
		StageDef{Name: StagePublishIOSAppCenter, Kind: domain.KindPublish, Platform: domain.PlatformIOS,
			Needs: []string{StageBuildIOS}, gate: gatePublishIOS},
	)
	for _, os := range desktopPublishOS {
		defs = append(defs, StageDef{
			Name: MatrixCell(StagePublishDesktop, os), Kind: domain.KindPublish, Platform: domain.PlatformDesktop, OS: os,
			Needs: desktopBuilds, gate: gatePublishDesktop, Placeholder: true,
		})
	}
	defs = append(defs, StageDef{Name: StagePublishWeb, Kind: domain.KindPublish, Platform: domain.PlatformWeb,
		Needs: []string{StageBuildWeb}, gate: gatePublishWeb})

	allBuilds := []string{StageBuildAndroid, StageBuildIOS}
	allBuilds = append(allBuilds, desktopBuilds...)
	allBuilds = append(allBuilds, StageBuildWeb)
	defs = append(defs, StageDef{Name: StageGitHubRelease, Kind: domain.KindAggregate, Needs: allBuilds, gate: gateBeta})

	return defs
}

// StageNames returns every stage name in catalog order.
func StageNames() []string {
	defs := Catalog()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// artifactName names the artifact a build stage stores for one variant.
// Desktop cells carry their OS: desktop-macos-installer.
func artifactName(def StageDef, variant string) string {
	if def.OS != "" {
		if variant == "" {
			return domain.ArtifactName(def.Platform, string(def.OS))
		}
		return domain.ArtifactName(def.Platform, string(def.OS)+"-"+variant)
	}
	return domain.ArtifactName(def.Platform, variant)
}
