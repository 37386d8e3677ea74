package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	"github.com/yujikawa/studb/core/write_engine/memtable"
	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
	"github.com/yujikawa/studb/core/write_engine/wal"
)

// errExit is returned by processCommand when the user asks to leave.
var errExit = errors.New("exit")

const helpText = `Commands:
  append <file>                              allocate a zeroed block
  put <file> <block> <offset> int <value>    store a 32-bit integer
  put <file> <block> <offset> str <text...>  store raw string bytes
  get <file> <block> <offset> int            read a 32-bit integer
  get <file> <block> <offset> str <length>   read string bytes
  flush <file> <block>                       write one dirty block back
  flushall                                   write every dirty block back
  log <text...>                              append a durable log record
  logs                                       print every log record
  stats                                      buffer, file and log counters
  help
  exit / quit`

// shell executes commands against one set of storage managers.
type shell struct {
	fm     *flushmanager.FileManager
	bm     *memtable.BufferManager
	lm     *wal.LogManager
	logger *zap.Logger
}

// processCommand handles a single command line. Operation errors are
// printed to out and do not end the session.
func (s *shell) processCommand(args []string, out io.Writer) error {
	if len(args) == 0 {
		return nil
	}
	var err error
	switch strings.ToLower(args[0]) {
	case "append":
		err = s.cmdAppend(args[1:], out)
	case "put":
		err = s.cmdPut(args[1:], out)
	case "get":
		err = s.cmdGet(args[1:], out)
	case "flush":
		err = s.cmdFlush(args[1:], out)
	case "flushall":
		if err = s.bm.FlushAll(); err == nil {
			fmt.Fprintln(out, "OK")
		}
	case "log":
		err = s.cmdLog(args[1:], out)
	case "logs":
		err = s.cmdLogs(out)
	case "stats":
		s.cmdStats(out)
	case "help":
		fmt.Fprintln(out, helpText)
	case "exit", "quit":
		return errExit
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	if err != nil {
		s.logger.Debug("Command failed", zap.Strings("args", args), zap.Error(err))
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return nil
}

func parseBlock(args []string) (pagemanager.BlockID, error) {
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return pagemanager.BlockID{}, fmt.Errorf("bad block number %q", args[1])
	}
	return pagemanager.NewBlockID(args[0], n), nil
}

func parseLocation(args []string) (pagemanager.BlockID, int, error) {
	blk, err := parseBlock(args)
	if err != nil {
		return blk, 0, err
	}
	off, err := strconv.Atoi(args[2])
	if err != nil {
		return blk, 0, fmt.Errorf("bad offset %q", args[2])
	}
	return blk, off, nil
}

func (s *shell) cmdAppend(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("append requires <file>")
	}
	h, err := s.bm.PinNew(args[0])
	if err != nil {
		return err
	}
	blk := h.Block()
	if err := h.Release(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Appended %s\n", blk)
	return nil
}

func (s *shell) cmdPut(args []string, out io.Writer) error {
	if len(args) < 5 {
		return errors.New("put requires <file> <block> <offset> int|str <value>")
	}
	blk, off, err := parseLocation(args)
	if err != nil {
		return err
	}
	var write func(p *pagemanager.Page) error
	switch strings.ToLower(args[3]) {
	case "int":
		v, perr := strconv.ParseInt(args[4], 10, 32)
		if perr != nil {
			return fmt.Errorf("bad int %q", args[4])
		}
		write = func(p *pagemanager.Page) error { return p.SetInt(off, int32(v)) }
	case "str":
		text := strings.Join(args[4:], " ")
		write = func(p *pagemanager.Page) error { return p.SetString(off, text) }
	default:
		return fmt.Errorf("unknown value type %q, want int or str", args[3])
	}
	err = s.bm.WithPage(blk, func(p *pagemanager.Page) (bool, error) {
		if err := write(p); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func (s *shell) cmdGet(args []string, out io.Writer) error {
	if len(args) < 4 {
		return errors.New("get requires <file> <block> <offset> int|str [length]")
	}
	blk, off, err := parseLocation(args)
	if err != nil {
		return err
	}
	h, err := s.bm.PinPage(blk)
	if err != nil {
		return err
	}
	defer h.Release()
	h.RLock()
	defer h.RUnlock()

	switch strings.ToLower(args[3]) {
	case "int":
		v, err := h.Page().GetInt(off)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "str":
		if len(args) < 5 {
			return errors.New("get str requires <length>")
		}
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("bad length %q", args[4])
		}
		v, err := h.Page().GetString(off, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%q\n", v)
	default:
		return fmt.Errorf("unknown value type %q, want int or str", args[3])
	}
	return nil
}

func (s *shell) cmdFlush(args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.New("flush requires <file> <block>")
	}
	blk, err := parseBlock(args)
	if err != nil {
		return err
	}
	if err := s.bm.FlushPage(blk); err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func (s *shell) cmdLog(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("log requires <text>")
	}
	lsn, err := s.lm.AppendString(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "LSN %d\n", lsn)
	return nil
}

func (s *shell) cmdLogs(out io.Writer) error {
	return s.lm.Iterate(func(lsn wal.LSN, record []byte) error {
		_, err := fmt.Fprintf(out, "%6d  %q\n", lsn, record)
		return err
	})
}

func (s *shell) cmdStats(out io.Writer) {
	bs := s.bm.Stats()
	fs := s.fm.Stats()
	fmt.Fprintf(out, "buffers: resident=%d/%d pinned=%d dirty=%d hits=%d misses=%d evictions=%d flushes=%d\n",
		bs.Resident, s.bm.Capacity(), bs.Pinned, bs.Dirty, bs.Hits, bs.Misses, bs.Evictions, bs.Flushes)
	fmt.Fprintf(out, "files:   reads=%d writes=%d appends=%d\n", fs.Reads, fs.Writes, fs.Appends)
	fmt.Fprintf(out, "log:     last_lsn=%d instance=%s\n", s.lm.LastLSN(), s.lm.InstanceID())
}
