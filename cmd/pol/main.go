// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Pol is a minimal non-interactive driver for the deniable password
// safe storage core. It covers the subset of the command surface the
// core can satisfy without clipboard, terminal or importer
// integration:
//
//	pol init -safe FILE [-blocks N] [-precomputed]
//	pol new -safe FILE -password PW [-list PW] [-append PW] [-blocks N]
//	pol list -safe FILE -password PW
//	pol get -safe FILE -password PW -key KEY
//	pol put -safe FILE -password PW -key KEY [-note NOTE] -secret SECRET
//	pol remove -safe FILE -password PW -key KEY
//	pol generate -safe FILE -password PW -key KEY [-length N]
//	pol touch -safe FILE
//
// Passwords are taken from flags because the core deliberately
// excludes interactive prompting; wrap this tool accordingly where
// shoulder-surfing of process arguments is a concern.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/log"
	"github.com/bwesterb/pol/safe"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pol <init|new|list|get|put|remove|generate|touch> [flags]\n")
	os.Exit(2)
}

func main() {
	log.SetOutput(os.Stderr)
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = doInit(args)
	case "new":
		err = doNew(args)
	case "list":
		err = doList(args)
	case "get":
		err = doGet(args)
	case "put":
		err = doPut(args)
	case "remove":
		err = doRemove(args)
	case "generate":
		err = doGenerate(args)
	case "touch":
		err = doTouch(args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pol %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func newFlags(cmd string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	path := fs.String("safe", "", "path to the safe file")
	return fs, path
}

func parse(fs *flag.FlagSet, path *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.Str("-safe is required")
	}
	return nil
}

func doInit(args []string) error {
	fs, path := newFlags("init")
	blocks := fs.Int("blocks", 0, "number of blocks (default 1024)")
	precomputed := fs.Bool("precomputed", false, "use the precomputed group instead of searching for a prime")
	workers := fs.Int("workers", 0, "worker count for the prime search")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	s, err := safe.Create(context.Background(), *path, safe.Params{
		NBlocks:     *blocks,
		Precomputed: *precomputed,
		Workers:     *workers,
	})
	if err != nil {
		return err
	}
	return s.Close(context.Background())
}

// withSafe opens the safe at path, runs f, and closes it again. The
// close error matters: the rewrite of the file happens there.
func withSafe(path string, readonly bool, f func(*safe.Safe) error) (err error) {
	s, err := safe.Open(path, readonly, 0)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.Background()); err == nil {
			err = cerr
		}
	}()
	return f(s)
}

func doNew(args []string) error {
	fs, path := newFlags("new")
	password := fs.String("password", "", "master password for the new container")
	listPw := fs.String("list", "", "optional list-access password")
	appendPw := fs.String("append", "", "optional append-access password")
	blocks := fs.Int("blocks", 70, "blocks to allocate to the container")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	if *password == "" {
		return errors.Str("-password is required")
	}
	var list, app []byte
	if *listPw != "" {
		list = []byte(*listPw)
	}
	if *appendPw != "" {
		app = []byte(*appendPw)
	}
	return withSafe(*path, false, func(s *safe.Safe) error {
		_, err := s.NewContainer([]byte(*password), list, app, nil, *blocks)
		return err
	})
}

// withContainers opens the safe, opens every container the password
// unlocks, and hands them to f. Zero containers is reported as a
// wrong-password failure; the distinction between "wrong password" and
// "no such container" intentionally does not exist.
func withContainers(path, password string, readonly bool, f func([]*safe.Container) error) error {
	return withSafe(path, readonly, func(s *safe.Safe) error {
		cs, err := s.OpenContainers(context.Background(), []byte(password), nil, func(c *safe.Container, moved []safe.Entry) {
			for _, e := range moved {
				fmt.Fprintf(os.Stderr, "pol: merged pending entry %q\n", e.Key)
			}
		})
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			return errors.Str("password opens no containers")
		}
		return f(cs)
	})
}

func doList(args []string) error {
	fs, path := newFlags("list")
	password := fs.String("password", "", "container password")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	return withContainers(*path, *password, false, func(cs []*safe.Container) error {
		for i, c := range cs {
			entries, err := c.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%d\t%s\t%s\n", i, e.Key, e.Note)
			}
		}
		return nil
	})
}

func doGet(args []string) error {
	fs, path := newFlags("get")
	password := fs.String("password", "", "container password")
	key := fs.String("key", "", "entry key to fetch")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	return withContainers(*path, *password, false, func(cs []*safe.Container) error {
		found := false
		for _, c := range cs {
			entries, err := c.Get([]byte(*key))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !e.HasSecret {
					return errors.E(errors.MissingKey, errors.Str("password grants no secret access"))
				}
				fmt.Printf("%s\n", e.Secret)
				found = true
			}
		}
		if !found {
			return errors.Str("no such entry")
		}
		return nil
	})
}

func doPut(args []string) error {
	fs, path := newFlags("put")
	password := fs.String("password", "", "container password")
	key := fs.String("key", "", "entry key")
	note := fs.String("note", "", "entry note")
	secret := fs.String("secret", "", "the secret to store")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	return withContainers(*path, *password, false, func(cs []*safe.Container) error {
		return cs[0].Add([]byte(*key), []byte(*note), []byte(*secret))
	})
}

func doRemove(args []string) error {
	fs, path := newFlags("remove")
	password := fs.String("password", "", "container password")
	key := fs.String("key", "", "entry key to remove")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	return withContainers(*path, *password, false, func(cs []*safe.Container) error {
		removed := 0
		for _, c := range cs {
			entries, err := c.Get([]byte(*key))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := c.Remove(e); err != nil {
					return err
				}
				removed++
			}
		}
		if removed == 0 {
			return errors.Str("no such entry")
		}
		return nil
	})
}

func doGenerate(args []string) error {
	fs, path := newFlags("generate")
	password := fs.String("password", "", "container password")
	key := fs.String("key", "", "entry key")
	length := fs.Int("length", 24, "length of the generated secret")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	secret, err := randomSecret(*length)
	if err != nil {
		return err
	}
	if err := withContainers(*path, *password, false, func(cs []*safe.Container) error {
		return cs[0].Add([]byte(*key), nil, secret)
	}); err != nil {
		return err
	}
	fmt.Printf("%s\n", secret)
	return nil
}

func doTouch(args []string) error {
	fs, path := newFlags("touch")
	trash := fs.Bool("trash", false, "also claim all remaining free space with a decoy slice")
	if err := parse(fs, path, args); err != nil {
		return err
	}
	return withSafe(*path, false, func(s *safe.Safe) error {
		if *trash {
			return s.TrashFreespace()
		}
		// Close alone rerandomizes every block; that is the point of
		// touch.
		s.Touch()
		return nil
	})
}

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSecret(n int) ([]byte, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, err
		}
		out[i] = secretAlphabet[v.Int64()]
	}
	return out, nil
}
