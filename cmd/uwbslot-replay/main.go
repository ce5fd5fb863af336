// Command uwbslot-replay replays a captured per-slot log, either from a
// file produced by uwbslot-sim or streamed live off a UART-attached
// debug header, the way seedhammer.com/driver/mjolnir.Open opens a
// serial connection to the engraver for live status.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/tarm/serial"
)

var (
	file       = flag.String("file", "", "path to a captured per-slot log file")
	serialDev  = flag.String("device", "", "UART device to stream a live log from instead of -file")
	baudRate   = flag.Int("baud", 115200, "serial baud rate, used only with -device")
	nodeFilter = flag.Int("node", -1, "only print lines for this node ID (-1 for all)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	src, err := openSource()
	if err != nil {
		return err
	}
	defer src.Close()

	summary := newSummary()
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := scanner.Text()
		rec, ok := parseLine(line)
		if !ok {
			continue
		}
		if *nodeFilter >= 0 && rec.node != *nodeFilter {
			continue
		}
		fmt.Println(line)
		summary.observe(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("uwbslot-replay: %w", err)
	}

	summary.print(os.Stdout)
	return nil
}

func openSource() (io.ReadCloser, error) {
	switch {
	case *serialDev != "":
		c := &serial.Config{Name: *serialDev, Baud: *baudRate}
		s, err := serial.OpenPort(c)
		if err != nil {
			return nil, fmt.Errorf("uwbslot-replay: open %s: %w", *serialDev, err)
		}
		return s, nil
	case *file != "":
		f, err := os.Open(*file)
		if err != nil {
			return nil, fmt.Errorf("uwbslot-replay: %w", err)
		}
		return f, nil
	default:
		return nil, errors.New("uwbslot-replay: specify -file or -device")
	}
}

// slotRecord is one parsed line of the format uwbslot-sim's
// tsm.Manager.OnSlot hook writes: "node=%d logic_slot=%d action=%s
// status=%v next=%s".
type slotRecord struct {
	node      int
	logicSlot int64
	action    string
	status    string
	next      string
}

var lineRE = regexp.MustCompile(`^node=(-?\d+) logic_slot=(-?\d+) action=(\S+) status=(\S+) next=(\S+)`)

func parseLine(line string) (slotRecord, bool) {
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		return slotRecord{}, false
	}
	node, err1 := strconv.Atoi(m[1])
	logicSlot, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return slotRecord{}, false
	}
	return slotRecord{
		node:      node,
		logicSlot: logicSlot,
		action:    m[3],
		status:    m[4],
		next:      m[5],
	}, true
}

type summary struct {
	perNode map[int]*nodeCounts
}

type nodeCounts struct {
	slots   int
	tx      int
	rx      int
	errors  int
}

func newSummary() *summary {
	return &summary{perNode: make(map[int]*nodeCounts)}
}

func (s *summary) observe(rec slotRecord) {
	c, ok := s.perNode[rec.node]
	if !ok {
		c = &nodeCounts{}
		s.perNode[rec.node] = c
	}
	c.slots++
	switch rec.action {
	case "Tx":
		c.tx++
	case "Rx", "Scan":
		c.rx++
	}
	if rec.status != "None" && rec.status != "RxSuccess" && rec.status != "TxDone" {
		c.errors++
	}
}

func (s *summary) print(w io.Writer) {
	fmt.Fprintln(w, "--- replay summary ---")
	for node, c := range s.perNode {
		fmt.Fprintf(w, "node=%d slots=%d tx=%d rx=%d errors=%d\n", node, c.slots, c.tx, c.rx, c.errors)
	}
}
