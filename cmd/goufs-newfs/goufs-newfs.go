/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Sat Apr 21 12:33:40 2018 mstenber
 * Last modified: Tue May 15 17:21:09 2018 mstenber
 * Edit time:     34 min
 *
 */

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/mkfs"
	"github.com/fingon/go-ufs/ufs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [flags] IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	size := flag.Int64("size", 0, "Image size in MiB (0 = use existing file size)")
	fsize := flag.Int("fsize", 0, "Fragment size in bytes")
	bsize := flag.Int("bsize", 0, "Block size in bytes")
	ipg := flag.Uint("ipg", 0, "Inodes per cylinder group")
	label := flag.String("label", "", "Volume label")
	bigEndian := flag.Bool("bigendian", false, "Write a big-endian image")

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	image := flag.Arg(0)

	if *size != 0 {
		f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			log.Fatal(err)
		}
		if err = f.Truncate(*size << 20); err != nil {
			log.Fatal(err)
		}
		if err = f.Close(); err != nil {
			log.Fatal(err)
		}
	}

	dev, err := disk.OpenFile(image, true)
	if err != nil {
		log.Fatal(err)
	}

	opt := mkfs.Options{
		Fsize:      int32(*fsize),
		Bsize:      int32(*bsize),
		InodesPerG: uint32(*ipg),
		Volname:    *label,
	}
	if *bigEndian {
		opt.ByteOrder = binary.BigEndian
	}
	if err = mkfs.Build(dev, opt); err != nil {
		log.Fatal(err)
	}

	// Read it back the way mount will; a fresh image that does not
	// pass its own verification is a bug worth catching here.
	myfs, err := ufs.NewFs(dev, false)
	if err != nil {
		log.Fatal(err)
	}
	defer myfs.Close()
	for _, err := range myfs.Verify() {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	}
	st := myfs.StatFs()
	fmt.Printf("%s: %d fragments of %d bytes, %d inodes\n",
		image, st.Blocks, st.Frsize, st.Files)
}
