package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"vms-recorder/config"
	"vms-recorder/database"
	"vms-recorder/storage"

	"github.com/akamensky/argparse"
	"github.com/sirupsen/logrus"
)

func main() {
	parser := argparse.NewParser("storagectl", "Manage the storage locations of a recording server")

	listCmd := parser.NewCommand("list", "Show every location with live capacity figures")

	addCmd := parser.NewCommand("add", "Register a directory as a storage location")
	addPath := addCmd.String("p", "path", &argparse.Options{Required: true, Help: "Absolute path of the location"})
	addReadOnly := addCmd.Flag("", "read-only", &argparse.Options{Help: "Keep existing footage readable but never write new segments", Default: false})
	addReservedBytes := addCmd.Int("", "reserved-bytes", &argparse.Options{Help: "Absolute free-space floor in bytes, overrides the percentage", Default: 0})
	addReservedPercent := addCmd.Float("", "reserved-percent", &argparse.Options{Help: "Free-space floor as a percentage of capacity", Default: 0.0})

	enableCmd := parser.NewCommand("enable", "Allow allocation on a location")
	enableID := enableCmd.String("i", "id", &argparse.Options{Required: true, Help: "Location id"})
	disableCmd := parser.NewCommand("disable", "Exclude a location from allocation")
	disableID := disableCmd.String("i", "id", &argparse.Options{Required: true, Help: "Location id"})

	scanCmd := parser.NewCommand("scan", "Re-probe every location and persist its health")

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.MustLoad()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	registry := storage.NewRegistry(db, storage.NewDiskProbe(cfg.Storage.ProbeTimeout), storage.RegistryOptions{
		ServerID:               cfg.ServerID,
		DefaultReservedPercent: cfg.Storage.DefaultReservedPercent,
		FailureThreshold:       cfg.Storage.FailureThreshold,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch {
	case listCmd.Happened():
		err = listLocations(ctx, registry)
	case addCmd.Happened():
		loc := database.StorageLocation{
			Path:            *addPath,
			RWPolicy:        database.ReadWrite,
			ReservedPercent: *addReservedPercent,
			Enabled:         true,
		}
		if *addReadOnly {
			loc.RWPolicy = database.ReadOnly
		}
		if *addReservedBytes > 0 {
			v := int64(*addReservedBytes)
			loc.ReservedBytes = &v
		}
		var created *database.StorageLocation
		if created, err = registry.Register(ctx, loc); err == nil {
			fmt.Printf("registered %s as %s\n", created.Path, created.ID)
		}
	case enableCmd.Happened():
		err = registry.SetEnabled(ctx, *enableID, true)
	case disableCmd.Happened():
		err = registry.SetEnabled(ctx, *disableID, false)
	case scanCmd.Happened():
		err = scanLocations(ctx, registry)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listLocations(ctx context.Context, registry *storage.Registry) error {
	stats, err := registry.Stats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No storage locations registered.")
		fmt.Println("Footage goes to the default storage path until one is added:")
		fmt.Println("  storagectl add --path /mnt/disk1/recordings")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tPOLICY\tENABLED\tSTATUS\tFREE GB\tRESERVED GB\tTOTAL GB")
	for _, s := range stats {
		status := string(s.Status)
		if s.Error != "" {
			status += " (" + s.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%.1f\t%.1f\t%.1f\n",
			s.ID, s.Path, s.RWPolicy, s.Enabled, status, gb(s.Free), gb(s.Reserved), gb(s.Total))
	}
	return w.Flush()
}

func scanLocations(ctx context.Context, registry *storage.Registry) error {
	states, err := registry.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, st := range states {
		line := fmt.Sprintf("%s  %-9s %s", st.Location.ID, st.Location.Status, st.Location.Path)
		if st.Err != nil {
			line += "  " + st.Err.Error()
		}
		fmt.Println(line)
	}
	return nil
}

func gb(b uint64) float64 {
	return float64(b) / (1 << 30)
}
