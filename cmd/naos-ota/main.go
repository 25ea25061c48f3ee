package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/256dpi/gomqtt/packet"
	"github.com/samber/lo"

	"github.com/256dpi/naos-ota/pkg/config"
	"github.com/256dpi/naos-ota/pkg/flash"
	"github.com/256dpi/naos-ota/pkg/mdns"
	"github.com/256dpi/naos-ota/pkg/mqtt"
	"github.com/256dpi/naos-ota/pkg/nvs"
	"github.com/256dpi/naos-ota/pkg/ota"
	"github.com/256dpi/naos-ota/pkg/transport"
	"github.com/256dpi/naos-ota/pkg/utils"
)

func main() {
	// parse command
	cmd := parseCommand()

	// prepare logger
	logger := newLogger(cmd.oVerbose)

	// prepare context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// run desired command
	if cmd.cInit {
		initialize(cmd)
	} else if cmd.cCheck {
		check(ctx, cmd, logger)
	} else if cmd.cUpdate {
		update(ctx, cmd, logger)
	} else if cmd.cStatus {
		status(cmd, logger)
	} else if cmd.cProvision {
		provision(cmd, logger)
	} else if cmd.cBoot {
		boot(cmd, logger)
	} else if cmd.cComplete {
		complete(cmd, logger)
	} else if cmd.cDiscover {
		discover(ctx, cmd)
	}
}

func initialize(cmd *command) {
	// check existing
	_, err := os.Stat(cmd.oConfig)
	if err == nil {
		exitWithError("config already exists: " + cmd.oConfig)
	}

	// write default config
	exitIfSet(config.New().Save(cmd.oConfig))

	fmt.Printf("Created %s\n", cmd.oConfig)
}

func check(ctx context.Context, cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// get current record
	record, err := store.Get()
	exitIfSet(err)
	current := ota.NewVersion(record.Major, record.Minor)

	// fetch descriptor
	desc := fetchDescriptor(ctx, cfg, logger)

	// determine direction
	var result string
	switch {
	case desc.Version > current:
		exitIfSet(store.MarkPending(nvs.Upgrade))
		result = nvs.Upgrade.String()
	case desc.Version < current:
		exitIfSet(store.MarkPending(nvs.Downgrade))
		result = nvs.Downgrade.String()
	default:
		result = "none"
	}

	// print result
	newTable("CURRENT", "AVAILABLE", "SHA256", "PENDING").
		add(current.String(), desc.Version.String(), utils.EncodeHex(desc.Hash[:]), result).
		show()
}

func update(ctx context.Context, cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// check pending
	if !cmd.oForce && !store.NeedsUpdate(nvs.Upgrade) && !store.NeedsUpdate(nvs.Downgrade) {
		fmt.Println("No update pending.")
		return
	}

	// open flash
	table := openFlash(cfg, logger)

	// fetch descriptor
	desc := fetchDescriptor(ctx, cfg, logger)

	// prepare reporter
	var reporter *mqtt.Reporter
	if cfg.MQTT.Broker != "" {
		router, err := mqtt.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID, packet.QOS(cfg.MQTT.QOS), cfg.MQTT.Retain, cfg.Timeout)
		exitIfSet(err)
		defer router.Close()

		// determine base
		base := cfg.MQTT.Base
		if base == "" {
			base = mqtt.BaseTopic(cfg.MQTT.Broker)
		}

		reporter = mqtt.NewReporter(router, base, logger)
	}

	// prepare progress table
	target := partitionLabel(table)
	tbl := newTable("VERSION", "PARTITION", "STATE", "PROGRESS", "ERROR")
	state := ota.Idle
	var done, total int64
	var lastErr error
	render := func() {
		var errStr string
		if lastErr != nil {
			errStr = lastErr.Error()
		}
		tbl.reset()
		tbl.add(desc.Version.String(), target, state.String(), progressString(done, total), errStr)
		tbl.show()
	}

	// prepare updater
	updater := &ota.Updater{
		Connector: &transport.Auto{},
		Flash:     table,
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
		Observe: func(s ota.State) {
			state = s
			if reporter != nil {
				reporter.Observe(s)
			}
			render()
		},
	}

	// apply update
	start := time.Now()
	err := updater.Apply(ctx, cfg.OTA(cfg.ImageURL, getCert(cfg)), desc, func(err error, d, t int64) {
		done, total, lastErr = d, t, err
		if reporter != nil {
			reporter.Progress(err, d, t)
		}
		render()
	})
	if err != nil && reporter != nil && state != ota.Failed {
		reporter.Fail(err)
	}
	exitIfSet(err)

	// store new version
	exitIfSet(store.Set(nvs.NewRecord(desc.Version.Major(), desc.Version.Minor(), 0)))

	fmt.Printf("Updated to %s in %s.\n", desc.Version, time.Since(start).Round(time.Millisecond))
}

func status(cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// get record
	var version, upgrade, downgrade string
	record, err := store.Get()
	if errors.Is(err, nvs.ErrNotFound) {
		version = "unprovisioned"
	} else if err != nil {
		version = err.Error()
	} else {
		version = ota.NewVersion(record.Major, record.Minor).String()
		upgrade = strconv.FormatBool(record.Pending(nvs.Upgrade))
		downgrade = strconv.FormatBool(record.Pending(nvs.Downgrade))
	}

	// get counter
	counter, err := store.RebootCounter()
	exitIfSet(err)

	// print state
	newTable("VERSION", "UPGRADE", "DOWNGRADE", "REBOOTS").
		add(version, upgrade, downgrade, strconv.FormatUint(uint64(counter), 10)).
		show()
	fmt.Println()

	// print partitions
	table := openFlash(cfg, logger)
	boot := table.Boot()
	tbl := newTable("PARTITION", "ADDRESS", "SIZE", "BOOT")
	for _, p := range table.Partitions() {
		var mark string
		if p == boot {
			mark = "*"
		}
		tbl.add(p.Label, fmt.Sprintf("0x%06x", p.Address), bytefmt.ByteSize(uint64(p.Size)), mark)
	}
	tbl.show()
}

func provision(cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// provision
	exitIfSet(store.Provision(cmd.aMajor, cmd.aMinor))

	fmt.Printf("Provisioned %s.\n", ota.NewVersion(cmd.aMajor, cmd.aMinor))
}

func boot(cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// bump counter
	exitIfSet(store.BumpRebootCounter())

	// read counter
	counter, err := store.RebootCounter()
	exitIfSet(err)

	fmt.Printf("Boot %d from %s.\n", counter, openFlash(cfg, logger).Boot().Label)
}

func complete(cmd *command, logger *slog.Logger) {
	// get config
	cfg := getConfig(cmd)

	// open store
	store, closer := openStore(cfg, logger)
	defer closer()

	// clear flags
	exitIfSet(store.ClearPending())

	fmt.Println("Cleared pending flags.")
}

func discover(ctx context.Context, cmd *command) {
	// determine service
	service := mdns.DefaultService
	cfg, err := config.Read(cmd.oConfig)
	if err == nil {
		service = cfg.MDNS.Service
	}

	// discover servers
	locations, err := mdns.Discover(ctx, service, cmd.oDuration)
	exitIfSet(err)

	// print locations
	tbl := newTable("INSTANCE", "ADDRESS", "PORT", "URL")
	for _, loc := range locations {
		tbl.add(loc.Instance, loc.Address, strconv.Itoa(loc.Port), loc.URL())
	}
	tbl.show()
}

func openStore(cfg *config.Config, logger *slog.Logger) (*nvs.Store, func()) {
	// open backend
	backend, closer, err := cfg.OpenBackend()
	exitIfSet(err)

	// create store
	store := nvs.NewStore(backend, logger).WithKeys(
		lo.CoalesceOrEmpty(cfg.NVS.Namespace, nvs.DefaultNamespace),
		nvs.DefaultRecordKey,
		nvs.DefaultCounterKey,
	)

	return store, func() {
		exitIfSet(closer())
	}
}

func openFlash(cfg *config.Config, logger *slog.Logger) *flash.Table {
	table, err := flash.Open(cfg.Flash.Dir, cfg.Flash.Slots, cfg.Flash.Pattern, logger)
	exitIfSet(err)

	return table
}

func fetchDescriptor(ctx context.Context, cfg *config.Config, logger *slog.Logger) ota.Descriptor {
	// prepare fetcher
	fetcher := &ota.Fetcher{
		Connector: &transport.Auto{},
		MaxSize:   cfg.MaxDescriptor,
		Logger:    logger,
	}

	// fetch descriptor
	desc, err := fetcher.Fetch(ctx, cfg.OTA(cfg.DescriptorURL, getCert(cfg)))
	exitIfSet(err)

	return desc
}

func partitionLabel(table *flash.Table) string {
	p, err := table.NextUpdatePartition()
	if err != nil {
		return "-"
	}
	return p.Label
}

func progressString(done, total int64) string {
	if total <= 0 {
		return bytefmt.ByteSize(uint64(done))
	}
	return fmt.Sprintf("%s / %s (%.1f%%)", bytefmt.ByteSize(uint64(done)), bytefmt.ByteSize(uint64(total)), float64(done)*100/float64(total))
}
