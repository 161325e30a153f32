/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Sat Apr 21 11:02:17 2018 mstenber
 * Last modified: Wed May 16 10:44:51 2018 mstenber
 * Edit time:     51 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/fingon/go-ufs/disk"
	"github.com/fingon/go-ufs/mlog"
	"github.com/fingon/go-ufs/mount"
	"github.com/fingon/go-ufs/ufs"
	"github.com/hanwen/go-fuse/fuse"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [flags] MOUNTDIR IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	rw := flag.Bool("rw", false, "Mount read-write")
	force := flag.Bool("force", false, "Mount even if verification finds problems")
	allowOther := flag.Bool("allowother", false, "Allow access by other users")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	memprofile := flag.String("memprofile", "", "Memory profile file")

	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)
	image := flag.Arg(1)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	dev, err := disk.OpenFile(image, *rw)
	if err != nil {
		log.Fatal(err)
	}
	myfs, err := ufs.NewFs(dev, *rw)
	if err != nil {
		log.Fatal(err)
	}
	defer myfs.Close()

	if errs := myfs.Verify(); len(errs) != 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		}
		if !*force {
			log.Fatalf("%s: %d problems found, not mounting (use -force to override)",
				image, len(errs))
		}
	}

	opts := &fuse.MountOptions{FsName: image, Name: "goufs",
		AllowOther: *allowOther}
	if mlog.IsEnabled() {
		opts.Debug = true
	}
	server, err := fuse.NewServer(mount.NewOps(myfs), mountpoint, opts)
	if err != nil {
		log.Panic(err)
	}
	server.Serve()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.WriteHeapProfile(f)
		f.Close()
	}
}
