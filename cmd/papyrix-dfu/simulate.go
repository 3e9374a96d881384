package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/papyrix-dfu/internal/config"
	"github.com/bigbag/papyrix-dfu/internal/device"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/flasher"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
)

var crashFlags []int

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate [file.dfu]",
		Short: "Run an upload against an in-process device, with resets",
		Long: `Run host and device in one process over an in-memory link.

Each --crash-at N resets the device after it has read N more bytes from
the link; the device then boots again from its persistent state and the
host uploads the file again. Without a file argument, a file matching the
configured partition table is generated and signed with a throwaway key.`,
		Example: `  papyrix-dfu simulate --backend memory --crash-at 4000 --crash-at 30000`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    runSimulate,
	}
	cmd.Flags().IntSliceVar(&crashFlags, "crash-at", nil, "Reset the device after it reads this many bytes (repeatable)")
	cmd.Flags().StringVar(&publicKeyFlag, "public-key", "", "Public key PEM verifying the given file (default from config)")
	addStateFlags(cmd)
	addLinkFlags(cmd)
	return cmd
}

// crashConn closes the link once the device has read budget bytes.
type crashConn struct {
	net.Conn
	budget int
}

func (c *crashConn) Read(p []byte) (int, error) {
	if c.budget <= 0 {
		c.Conn.Close()
		return 0, io.ErrClosedPipe
	}
	if len(p) > c.budget {
		p = p[:c.budget]
	}
	n, err := c.Conn.Read(p)
	c.budget -= n
	return n, err
}

// countConn counts the bytes the host sends.
type countConn struct {
	net.Conn
	written atomic.Int64
}

func (c *countConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var (
		file     []byte
		verifier integrity.Verifier
		err      error
	)
	if len(args) == 1 {
		if file, err = os.ReadFile(args[0]); err != nil {
			return err
		}
		if verifier, err = loadVerifier(cfg); err != nil {
			return err
		}
	} else {
		if file, verifier, err = generateFile(cfg); err != nil {
			return err
		}
		fmt.Printf("Generated %s %s-variant file\n", humanize.IBytes(uint64(len(file))), cfg.Variant.Name())
	}

	slots, err := device.OpenSlots(cfg.State)
	if err != nil {
		return err
	}
	defer slots.Close()
	board := device.NewBoard(cfg, slots, verifier, logger)

	var (
		sent  int64
		boots int
	)
	for boot := 0; ; boot++ {
		boots++
		budget := 0
		if boot < len(crashFlags) {
			budget = crashFlags[boot]
		}
		written, err := simulateBoot(ctx, board, file, budget)
		sent += written
		fmt.Printf("Boot %d: host sent %s", boot+1, humanize.IBytes(uint64(written)))
		if err == nil {
			fmt.Println(", upgrade validated")
			break
		}
		fmt.Printf(", link lost: %v\n", err)
		if budget == 0 || ctx.Err() != nil {
			return err
		}
	}

	fmt.Printf("File %s, sent %s over %d boot(s)\n",
		humanize.IBytes(uint64(len(file))), humanize.IBytes(uint64(sent)), boots)
	return nil
}

// simulateBoot powers the board on and uploads file to it. A budget > 0
// resets the device after it has read that many bytes.
func simulateBoot(ctx context.Context, board *device.Board, file []byte, budget int) (int64, error) {
	hostEnd, devEnd := net.Pipe()
	var conn net.Conn = devEnd
	if budget > 0 {
		conn = &crashConn{Conn: devEnd, budget: budget}
	}
	host := &countConn{Conn: hostEnd}

	s := device.NewSession(conn, logger)
	eng, err := board.Boot(s.Notify)
	if eng == nil {
		return 0, err
	}
	if err != nil {
		logger.Warn("boot failed", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var uploadErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, eng) })
	g.Go(func() error {
		defer cancel()
		defer hostEnd.Close()
		f := flasher.New(host, linkOptions()...)
		if uploadErr = f.Connect(gctx); uploadErr != nil {
			return nil
		}
		uploadErr = f.Upload(gctx, file)
		return nil
	})
	if err := g.Wait(); err != nil {
		return host.written.Load(), err
	}
	return host.written.Load(), uploadErr
}

// generateFile builds a file filling half of each configured partition,
// signed with a fresh key.
func generateFile(c config.Config) ([]byte, integrity.Verifier, error) {
	key, err := integrity.GenerateKey(c.Variant.SigAlg())
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int, 0, len(c.Flash.Partitions))
	for id := range c.Flash.Partitions {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	parts := make([]dfu.Part, 0, len(ids))
	for _, id := range ids {
		payload := make([]byte, c.Flash.Partitions[uint16(id)]/2)
		if _, err := rand.Read(payload); err != nil {
			return nil, nil, err
		}
		parts = append(parts, dfu.Part{ID: uint16(id), FirstWord: 0xE9000000 | uint32(id), Payload: payload})
	}

	b := &dfu.Builder{
		Variant: c.Variant,
		Header: dfu.Header{
			VariantID:  c.Device.VariantID,
			Version:    dfu.Version{Major: c.Device.Version.Major, Minor: c.Device.Version.Minor + 1},
			Compatible: []dfu.Version{{Major: c.Device.Version.Major, Minor: dfu.MinorWildcard}},
			PSVersion:  c.Device.PSVersion,
		},
		Parts:  parts,
		Signer: integrity.KeySigner{Alg: c.Variant.SigAlg(), Key: key},
	}
	file, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return file, integrity.KeyVerifier{Key: key.Public()}, nil
}
