package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/i5heu/termstore"
	"github.com/i5heu/termstore/internal/chronology"
	"github.com/i5heu/termstore/pkg/logging"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "termstore",
		Usage: "inspect and write a termstore datastore",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "datastore root, defaults to ~/.termstore/data",
				EnvVars: []string{"TERMSTORE_PATH"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file, overrides --path and --log-level",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "print the datastore identity and its collections",
				Action: withStore(info),
			},
			{
				Name:  "put",
				Usage: "append one version to a component",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "nid", Required: true},
					&cli.IntFlag{Name: "collection", Required: true},
					&cli.IntFlag{Name: "ref", Usage: "referenced component nid of a semantic"},
					&cli.StringFlag{Name: "object-type", Value: "concept"},
					&cli.StringFlag{Name: "version-type", Value: "concept"},
					&cli.StringFlag{Name: "data", Usage: "version payload"},
					&cli.StringFlag{Name: "file", Usage: "read the version payload from a file"},
				},
				Action: withStore(put),
			},
			{
				Name:      "read",
				Usage:     "print the version chain of a nid",
				ArgsUsage: "<nid>",
				Action:    withStore(read),
			},
			{
				Name:      "refs",
				Usage:     "print the components referencing a nid",
				ArgsUsage: "<nid>",
				Action:    withStore(refs),
			},
			{
				Name:   "sync",
				Usage:  "run a sync cycle and wait for it",
				Action: withStore(syncNow),
			},
			{
				Name:   "compact",
				Usage:  "flatten the engine and collect value log garbage",
				Action: withStore(compact),
			},
			{
				Name:      "uuid",
				Usage:     "print the nid assigned to a UUID",
				ArgsUsage: "<uuid>",
				Action:    withStore(nidForUUID),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(fn func(*cli.Context, *termstore.Store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		conf, err := storeConfig(c)
		if err != nil {
			return err
		}
		db, err := termstore.New(conf)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if err := db.Start(c.Context); err != nil {
			return fmt.Errorf("start store: %w", err)
		}

		runErr := fn(c, db)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Close(ctx); err != nil && runErr == nil {
			return fmt.Errorf("close store: %w", err)
		}
		return runErr
	}
}

func storeConfig(c *cli.Context) (termstore.Config, error) {
	if path := c.String("config"); path != "" {
		return termstore.ConfigFromFile(path)
	}
	dir := c.String("path")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return termstore.Config{}, err
		}
		dir = filepath.Join(home, ".termstore", "data")
	}
	log, err := logging.Parse(c.String("log-level"))
	if err != nil {
		return termstore.Config{}, err
	}
	return termstore.Config{Paths: []string{dir}, Logger: log}, nil
}

func info(_ *cli.Context, db *termstore.Store) error {
	collections, err := db.Collections()
	if err != nil {
		return err
	}
	fmt.Println("Datastore:")
	fmt.Printf("  ID:      %s\n", db.DataStoreID())
	fmt.Printf("  Status:  %s\n", db.Status())
	fmt.Printf("  Collections: %d\n", len(collections))
	for _, col := range collections {
		fmt.Printf("    %d  %-10s %-12s next=%d\n", col.Collection, col.ObjectType, col.VersionType, col.NextSequence)
	}
	return nil
}

// component is a Chronology assembled from command line flags.
type component struct {
	nid, collection, ref int32
	objectType           types.ObjectType
	versionType          types.VersionType
	data                 []byte
}

func (c component) Nid() int32                     { return c.nid }
func (c component) AssemblageNid() int32           { return c.collection }
func (c component) ObjectType() types.ObjectType   { return c.objectType }
func (c component) VersionType() types.VersionType { return c.versionType }
func (c component) ReferencedComponentNid() int32  { return c.ref }
func (c component) VersionData() []byte            { return c.data }

func put(c *cli.Context, db *termstore.Store) error {
	objectType, err := parseObjectType(c.String("object-type"))
	if err != nil {
		return err
	}
	versionType, err := parseVersionType(c.String("version-type"))
	if err != nil {
		return err
	}
	data := []byte(c.String("data"))
	if path := c.String("file"); path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	comp := component{
		nid:         int32(c.Int("nid")),
		collection:  int32(c.Int("collection")),
		ref:         int32(c.Int("ref")),
		objectType:  objectType,
		versionType: versionType,
		data:        data,
	}
	if err := db.PutChronologyData(comp); err != nil {
		return err
	}
	fmt.Printf("Stored version of %d in collection %d.\n", comp.nid, comp.collection)
	return nil
}

func read(c *cli.Context, db *termstore.Store) error {
	nid, err := nidArg(c)
	if err != nil {
		return err
	}
	chain, found, err := db.GetChronologyVersionData(nid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("nid %d has no versions", nid)
	}
	versions, err := chronology.DecodeChain(chain)
	if err != nil {
		return err
	}
	for i, v := range versions {
		fmt.Printf("%4d  %q\n", i+1, v)
	}
	return nil
}

func refs(c *cli.Context, db *termstore.Store) error {
	nid, err := nidArg(c)
	if err != nil {
		return err
	}
	nids, err := db.ReferencingComponents(nid)
	if err != nil {
		return err
	}
	for _, n := range nids {
		fmt.Println(n)
	}
	return nil
}

func syncNow(c *cli.Context, db *termstore.Store) error {
	start := time.Now()
	if err := db.SyncNow(c.Context); err != nil {
		return err
	}
	fmt.Printf("Sync finished in %s.\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func compact(_ *cli.Context, db *termstore.Store) error {
	if err := db.Compact(); err != nil {
		return err
	}
	fmt.Println("Compaction finished.")
	return nil
}

func nidForUUID(c *cli.Context, db *termstore.Store) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: termstore uuid <uuid>", 1)
	}
	u, err := uuid.Parse(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid uuid: %w", err)
	}
	nid, err := db.NidForUUID(u)
	if err != nil {
		return err
	}
	fmt.Println(nid)
	return nil
}

func nidArg(c *cli.Context) (int32, error) {
	if c.NArg() < 1 {
		return 0, cli.Exit(fmt.Sprintf("usage: termstore %s <nid>", c.Command.Name), 1)
	}
	var nid int32
	if _, err := fmt.Sscan(c.Args().First(), &nid); err != nil {
		return 0, fmt.Errorf("invalid nid %q: %w", c.Args().First(), err)
	}
	return nid, nil
}

func parseObjectType(s string) (types.ObjectType, error) {
	for t := types.ObjectConcept; t <= types.ObjectLogicGraph; t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return types.ObjectUnknown, fmt.Errorf("unknown object type %q", s)
}

func parseVersionType(s string) (types.VersionType, error) {
	for t := types.VersionConcept; t <= types.VersionMembership; t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return types.VersionUnknown, fmt.Errorf("unknown version type %q", s)
}
