package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-dfu/internal/config"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
)

var (
	partFlags         []string
	keyFlag           string
	headerVersionFlag string
	compatibleFlag    []string
	psVersionFlag     uint
	compatiblePSFlag  []uint
	variantIDFlag     string
)

func newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack <out.dfu>",
		Short: "Build a signed DFU file",
		Long: `Build a signed DFU file from partition images.

Each --part is ID=PATH[:AUX]. The first four bytes of an image are its
first word, which the device writes last to commit the partition.`,
		Example: `  papyrix-dfu pack --key priv.pem --version 3.1 --compatible 3.* \
    --part 1=boot.bin --part 3=app.bin out.dfu`,
		Args: cobra.ExactArgs(1),
		RunE: runPack,
	}
	cmd.Flags().StringArrayVar(&partFlags, "part", nil, "Partition image as ID=PATH[:AUX] (repeatable)")
	cmd.Flags().StringVarP(&keyFlag, "key", "k", "", "Private key PEM (default from config)")
	cmd.Flags().StringVar(&headerVersionFlag, "version", "", "Version the file upgrades to, MAJOR.MINOR")
	cmd.Flags().StringSliceVar(&compatibleFlag, "compatible", nil, "Running versions the file applies to, MAJOR.MINOR or MAJOR.*")
	cmd.Flags().UintVar(&psVersionFlag, "ps-version", 0, "Persistent-store version the file upgrades to")
	cmd.Flags().UintSliceVar(&compatiblePSFlag, "compatible-ps", nil, "Persistent-store versions the file applies to")
	cmd.Flags().StringVar(&variantIDFlag, "variant-id", "", "Device variant id (default from config)")
	_ = cmd.MarkFlagRequired("part")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func runPack(cmd *cobra.Command, args []string) error {
	if cfg.Keys.Private == "" {
		return fmt.Errorf("no private key: set --key or %s", config.KeysPrivate)
	}
	key, err := integrity.LoadPrivateKey(cfg.Keys.Private)
	if err != nil {
		return err
	}

	h := dfu.Header{
		VariantID: cfg.Device.VariantID,
		PSVersion: uint16(psVersionFlag),
	}
	if variantIDFlag != "" {
		h.VariantID = variantIDFlag
	}
	if h.Version, err = parseVersion(headerVersionFlag); err != nil {
		return err
	}
	for _, s := range compatibleFlag {
		v, err := parseVersion(s)
		if err != nil {
			return err
		}
		h.Compatible = append(h.Compatible, v)
	}
	for _, ps := range compatiblePSFlag {
		h.CompatiblePS = append(h.CompatiblePS, uint16(ps))
	}

	parts := make([]dfu.Part, 0, len(partFlags))
	for _, arg := range partFlags {
		p, err := readPart(arg)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}

	b := &dfu.Builder{
		Variant: cfg.Variant,
		Header:  h,
		Parts:   parts,
		Signer:  integrity.KeySigner{Alg: cfg.Variant.SigAlg(), Key: key},
	}
	file, err := b.Build()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], file, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}

	fmt.Printf("Wrote %s: %s variant, %d partition(s), %s\n",
		args[0], cfg.Variant.Name(), len(parts), humanize.IBytes(uint64(len(file))))
	return nil
}

// parseVersion parses MAJOR.MINOR, with * as the minor wildcard.
func parseVersion(s string) (dfu.Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return dfu.Version{}, fmt.Errorf("bad version %q: want MAJOR.MINOR", s)
	}
	maj, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return dfu.Version{}, fmt.Errorf("bad version %q: %w", s, err)
	}
	v := dfu.Version{Major: uint16(maj), Minor: dfu.MinorWildcard}
	if minor != "*" {
		n, err := strconv.ParseUint(minor, 10, 16)
		if err != nil || n == dfu.MinorWildcard {
			return dfu.Version{}, fmt.Errorf("bad version %q: minor must be 0..65534 or *", s)
		}
		v.Minor = uint16(n)
	}
	return v, nil
}

// readPart loads ID=PATH[:AUX].
func readPart(arg string) (dfu.Part, error) {
	id, rest, ok := strings.Cut(arg, "=")
	if !ok {
		return dfu.Part{}, fmt.Errorf("bad --part %q: want ID=PATH[:AUX]", arg)
	}
	pid, err := strconv.ParseUint(id, 10, 16)
	if err != nil {
		return dfu.Part{}, fmt.Errorf("bad --part %q: %w", arg, err)
	}
	p := dfu.Part{ID: uint16(pid)}

	path := rest
	if i := strings.LastIndexByte(rest, ':'); i > 0 {
		if aux, err := strconv.ParseUint(rest[i+1:], 0, 16); err == nil {
			p.Aux = uint16(aux)
			path = rest[:i]
		}
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return dfu.Part{}, fmt.Errorf("failed to read partition %d image: %w", pid, err)
	}
	if len(image) < dfu.FirstWordSize {
		return dfu.Part{}, fmt.Errorf("partition %d image %s is shorter than its first word", pid, path)
	}
	p.FirstWord = binary.LittleEndian.Uint32(image)
	p.Payload = image[dfu.FirstWordSize:]
	return p, nil
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <private.pem> <public.pem>",
		Short: "Generate a signing key pair for the configured variant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg := cfg.Variant.SigAlg()
			key, err := integrity.GenerateKey(alg)
			if err != nil {
				return err
			}
			priv, err := integrity.EncodePrivateKey(key)
			if err != nil {
				return err
			}
			pub, err := integrity.EncodePublicKey(key.Public())
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], priv, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(args[1], pub, 0o644); err != nil {
				return err
			}
			fmt.Printf("Generated %s key pair: %s, %s\n", alg, args[0], args[1])
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.dfu>",
		Short: "List the sections of a DFU file",
		Long:  "List the sections of a DFU file. Hashes and signatures are not checked.",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	file, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	sections, scanErr := dfu.Scan(bytes.NewReader(file), cfg.Variant)

	fmt.Printf("%s: %s, %s variant\n", args[0], humanize.IBytes(uint64(len(file))), cfg.Variant.Name())
	for _, s := range sections {
		fmt.Printf("  %-9s %-8s at %-10s %s\n", s.Kind, s.ID, humanize.Comma(s.Offset), humanize.IBytes(uint64(s.Length)))
		switch {
		case s.Header != nil:
			h := s.Header
			fmt.Printf("            variant %q version %s ps %d\n", h.VariantID, h.Version, h.PSVersion)
			if len(h.Compatible) > 0 {
				fmt.Printf("            compatible with %v, ps %v\n", h.Compatible, h.CompatiblePS)
			}
		case s.Partition != nil:
			fmt.Printf("            partition %d aux 0x%04X first word 0x%08X\n", s.Partition.ID, s.Partition.Aux, s.FirstWord)
		}
	}
	return scanErr
}
