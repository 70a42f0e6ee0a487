// elderd runs one section member's Elder coordination engine: section
// membership, DKG, the section-authority chain, anti-entropy, and the
// command dispatcher, grounded on the teacher's cmd/drand CLI shape
// (banner, folderFlag/controlFlag, contextToConfig, the start/show command
// families) reworked from a beacon daemon's flags to a section node's.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tidalmesh/elderd/config"
	"github.com/tidalmesh/elderd/log"
	"github.com/tidalmesh/elderd/node"
)

var (
	version   = "dev"
	gitCommit = "none"
)

func banner() {
	fmt.Printf("elderd %s (commit %s)\n", version, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: config.DefaultConfigFolder(),
	Usage: "Directory to keep this node's cryptographic material and config.",
}

var controlFlag = &cli.StringFlag{
	Name:  "control",
	Usage: "Control-plane listen address (host:port).",
}

var sectionFlag = &cli.StringFlag{
	Name:  "section",
	Usage: "Section identifier this node instance belongs to.",
}

var bootstrapFlag = &cli.StringSliceFlag{
	Name:  "bootstrap",
	Usage: "Seed addresses of an existing section, recorded in the node's config (comma separated, repeatable).",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Log at debug level.",
}

func main() {
	app := &cli.App{
		Name:  "elderd",
		Usage: "section elder coordination engine",
		Flags: []cli.Flag{folderFlag, verboseFlag},
		Commands: []*cli.Command{
			{
				Name:  "init-genesis",
				Usage: "Initialise this node as the first member of a brand-new section.",
				Flags: []cli.Flag{folderFlag, controlFlag, sectionFlag},
				Action: func(c *cli.Context) error {
					banner()
					return initGenesisCmd(c)
				},
			},
			{
				Name:  "start",
				Usage: "Start the node with no transport attached; it does not join a section through the --bootstrap seeds.",
				Flags: []cli.Flag{folderFlag, controlFlag, sectionFlag, bootstrapFlag},
				Action: func(c *cli.Context) error {
					banner()
					return startCmd(c)
				},
			},
			{
				Name:  "show-chain",
				Usage: "Print the local section-authority chain.",
				Flags: []cli.Flag{folderFlag, controlFlag},
				Action: func(c *cli.Context) error {
					return showChainCmd(c)
				},
			},
			{
				Name:  "show-roster",
				Usage: "Print the local section's Elders.",
				Flags: []cli.Flag{folderFlag, controlFlag},
				Action: func(c *cli.Context) error {
					return showRosterCmd(c)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "elderd: %v\n", err)
		os.Exit(1)
	}
}

func contextToConfig(c *cli.Context) *config.Config {
	var opts []config.Option
	if c.IsSet(folderFlag.Name) {
		opts = append(opts, config.WithDataDir(c.String(folderFlag.Name)))
	}
	if c.IsSet(controlFlag.Name) {
		opts = append(opts, config.WithControlAddr(c.String(controlFlag.Name)))
	}
	if c.IsSet(sectionFlag.Name) {
		opts = append(opts, config.WithSectionID(c.String(sectionFlag.Name)))
	}
	if c.Bool(verboseFlag.Name) {
		opts = append(opts, config.WithLogLevel(log.DebugLevel))
	}
	if c.IsSet(bootstrapFlag.Name) {
		opts = append(opts, config.WithBootstrapPeers(c.StringSlice(bootstrapFlag.Name)...))
	}
	return config.NewConfig(opts...)
}

func initGenesisCmd(c *cli.Context) error {
	cfg := contextToConfig(c)
	cfg2 := config.NewConfig(append(configOpts(cfg), config.WithGenesis())...)
	if err := cfg2.Save(cfg2.KeyFile("elderd.toml")); err != nil {
		return fmt.Errorf("elderd: save config: %w", err)
	}
	n, err := node.New(cfg2, nil, log.New(nil, cfg2.LogLevel(), false))
	if err != nil {
		return fmt.Errorf("elderd: genesis: %w", err)
	}
	defer n.Close()
	fmt.Printf("elderd: genesis section created, prefix=%q chain_len=%d genesis_key=%s\n",
		n.OurPrefix().String(), n.SectionChain().Len(), n.GenesisKey().String())
	return nil
}

func startCmd(c *cli.Context) error {
	cfg := contextToConfig(c)
	n, err := node.New(cfg, nil, log.New(nil, cfg.LogLevel(), false))
	if err != nil {
		return fmt.Errorf("elderd: start: %w", err)
	}
	defer n.Close()
	fmt.Printf("elderd: node %s started, prefix=%q\n", n.Name(), n.OurPrefix().String())
	<-make(chan struct{})
	return nil
}

func showChainCmd(c *cli.Context) error {
	cfg := contextToConfig(c)
	loaded, err := config.Load(cfg.KeyFile("elderd.toml"))
	if err != nil {
		return fmt.Errorf("elderd: load config: %w", err)
	}
	n, err := node.New(loaded, nil, nil)
	if err != nil {
		return fmt.Errorf("elderd: show-chain: %w", err)
	}
	defer n.Close()
	fmt.Printf("root=%s last=%s len=%d\n",
		n.SectionChain().RootKey().String(), n.SectionChain().LastKey().String(), n.SectionChain().Len())
	return nil
}

func showRosterCmd(c *cli.Context) error {
	cfg := contextToConfig(c)
	loaded, err := config.Load(cfg.KeyFile("elderd.toml"))
	if err != nil {
		return fmt.Errorf("elderd: load config: %w", err)
	}
	n, err := node.New(loaded, nil, nil)
	if err != nil {
		return fmt.Errorf("elderd: show-roster: %w", err)
	}
	defer n.Close()
	for _, e := range n.OurElders() {
		fmt.Printf("elder %s age=%d addr=%s\n", e.Name(), e.Age, e.Addr)
	}
	return nil
}

// configOpts re-derives the option list actually needed by a fresh
// NewConfig call from an already-built Config, since Config itself keeps
// no record of which options produced it (the teacher's contextToConfig
// rebuilds from CLI flags every time for the same reason).
func configOpts(cfg *config.Config) []config.Option {
	return []config.Option{
		config.WithDataDir(cfg.DataDir()),
		config.WithControlAddr(cfg.ControlAddr()),
		config.WithSectionID(cfg.SectionID()),
		config.WithLogLevel(cfg.LogLevel()),
	}
}
