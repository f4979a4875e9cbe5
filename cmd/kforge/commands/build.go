package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/kforge-dev/kforge/pkg/config"
	"github.com/kforge-dev/kforge/pkg/engine"
	"github.com/kforge-dev/kforge/pkg/logfile"
	"github.com/kforge-dev/kforge/pkg/notifier"
	"github.com/kforge-dev/kforge/pkg/telemetry"
	"github.com/kforge-dev/kforge/pkg/version"
	"github.com/spf13/cobra"
)

var BuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a patch module from two compiled kernel trees",
	Long: `Resolve each changed object's owning binary, diff the object pairs,
and assemble the fragments into one loadable patch module.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context())
	},
}

func init() {
	f := BuildCmd.Flags()
	f.StringVar(&cfg.KernelDir, "kernel-dir", "", "pristine configured kernel output tree")
	f.StringVar(&cfg.PatchedDir, "patched-dir", "", "patched kernel output tree")
	f.StringVar(&cfg.PatchFile, "patch", "", "source patch file (naming and rollback)")
	f.StringVar(&cfg.ChangedList, "changed-list", "", "newline-delimited changed object paths")
	f.StringVar(&cfg.PreLedger, "pre-symvers", "", "pristine build symbol ledger")
	f.StringVar(&cfg.PostLedger, "post-symvers", "", "patched build symbol ledger")
	f.StringVar(&cfg.VmlinuxPath, "vmlinux", "", "kernel image for symbol lookups")
	f.StringVar(&cfg.Name, "name", "", "patch module name (default derived from --patch)")
	f.StringVar(&cfg.OutputDir, "output-dir", "", "where the final module is copied (default .)")
	f.StringVar(&cfg.Compiler, "cc", "", "compiler override for the module link")
	f.StringVar(&cfg.Linker, "ld", "", "linker override")
	f.StringVar(&cfg.Objcopy, "objcopy", "", "objcopy override")
	f.StringVar(&cfg.Nm, "nm", "", "nm override")
	f.StringVar(&cfg.DiffTool, "diff-tool", "", "object diff tool (default create-diff-object)")
	f.StringSliceVar(&cfg.ExtraInc, "include", nil, "extra include paths for the module link")
	f.StringSliceVar(&cfg.Arch, "arch-flag", nil, "architecture-specific compiler flags")
	f.BoolVar(&cfg.NativeFramework, "native", false, "target kernel has built-in hot-patch support")
	f.BoolVar(&cfg.LegacyRelocSections, "legacy-relocs", false, "target lacks modern relocation support")
	f.BoolVar(&cfg.ModVersions, "modversions", false, "target kernel uses per-symbol versioning")
	f.IntVar(&cfg.Workers, "jobs", 0, "worker count for the delegated module build")
	f.StringVar(&cfg.SkipRulesFile, "skip-rules", "", "YAML file of CEL skip rules")
	f.StringVar(&cfg.ProfileFile, "profile", "", "HCL build profile")
	f.StringVar(&cfg.NotifyURL, "notify-url", "", "webhook notified when the build finishes")
}

func runBuild(ctx context.Context) error {
	if cfg.ProfileFile != "" {
		profile, err := config.LoadProfile(cfg.ProfileFile)
		if err != nil {
			return err
		}
		profile.Apply(&cfg)
	}

	ws, err := cfg.WorkspaceOr()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ws, 0755); err != nil {
		return err
	}
	runLog, err := logfile.Open(ws)
	if err != nil {
		return err
	}
	defer runLog.Close()
	log := runLog.Logger(cfg.Verbose, cfg.JSONLogs)

	shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.OtelEndpoint)
	if err != nil {
		log.Warn("telemetry init failed", "error", err)
	} else {
		defer shutdown(ctx)
	}

	eng, err := engine.New(ctx,
		engine.WithConfig(cfg),
		engine.WithLogger(log),
		engine.WithLogPath(runLog.Path),
	)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx)
	notify := notifier.NewClient(cfg.NotifyURL)
	if err != nil {
		if nErr := notify.Send(ctx, notifier.BuildEvent{
			Status:  "failure",
			Module:  cfg.ModuleName(),
			Error:   err.Error(),
			LogPath: runLog.Path,
		}); nErr != nil {
			log.Warn("build notification failed", "error", nErr)
		}
		return err
	}

	if nErr := notify.Send(ctx, notifier.BuildEvent{
		Status:    "success",
		Module:    res.Module.Name,
		Mode:      res.Module.Mode,
		Artifact:  res.Artifact,
		Changed:   res.Tally.Changed,
		Unchanged: res.Tally.Unchanged,
		Skipped:   res.Tally.Skipped,
	}); nErr != nil {
		log.Warn("build notification failed", "error", nErr)
	}

	fmt.Println(res.Report)
	return nil
}
