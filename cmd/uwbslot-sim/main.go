// Command uwbslot-sim runs Crystal or Weaver over the in-process radio
// simulator and prints epoch logs, the way seedhammer.com/cmd/cli
// exercises the engraving stack against driver/mjolnir's simulator
// instead of real hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"uwbslot/crystal"
	"uwbslot/deployment"
	"uwbslot/devtime"
	"uwbslot/radio/rsim"
	"uwbslot/ringlog"
	"uwbslot/tsm"
	"uwbslot/weaver"
)

var (
	protocol   = flag.String("protocol", "crystal", "protocol to run: crystal or weaver")
	numNodes   = flag.Int("nodes", 5, "number of peer nodes (plus one sink)")
	sinkID     = flag.Uint("sink", 1, "node ID of the sink")
	runFor     = flag.Duration("for", 5*time.Second, "wall-clock duration to run the simulation")
	slotTicks  = flag.Int("slot-ticks", 2500, "slot duration in device-time ticks")
	resolution = flag.Duration("resolution", time.Millisecond, "wall clock poll resolution")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *numNodes < 1 {
		return fmt.Errorf("nodes must be >= 1")
	}

	ids := make([]uint16, 0, *numNodes+1)
	ids = append(ids, uint16(*sinkID))
	for i := 1; i <= *numNodes; i++ {
		id := uint16(*sinkID) + uint16(i)
		ids = append(ids, id)
	}
	table := deployment.New(ids)

	medium := rsim.NewMedium()
	clock := rsim.NewWallClock(medium, devtime.T(0))
	go clock.Run(*resolution)
	defer clock.Stop()

	log := ringlog.New(os.Stdout, 256)

	managers := make([]*tsm.Manager, 0, len(ids))
	for _, id := range ids {
		r := rsim.New(medium, clock.Func())
		defer r.Close()

		engineFunc, err := buildEngine(*protocol, id, uint16(*sinkID), table, log)
		if err != nil {
			return err
		}

		mgr := tsm.New(r, tsm.Config{
			SlotDurationTicks:       int32(*slotTicks),
			RxTimeoutTicks:          int32(*slotTicks),
			DefaultRxGuardTicks:     tsm.TSMDefaultRxGuard,
			DefaultMinislotGrouping: 1,
		}, clock.Func(), engineFunc)
		id := id
		mgr.OnSlot = func(prev tsm.PrevAction, next tsm.NextAction) {
			log.Printf("node=%d logic_slot=%d action=%s status=%v next=%s",
				id, prev.LogicSlotIdx, prev.Action, prev.Status, next.Action)
		}
		mgr.Start(0)
		managers = append(managers, mgr)
	}

	deadline := time.Now().Add(*runFor)
	for time.Now().Before(deadline) {
		allStopped := true
		for _, m := range managers {
			if !m.Stopped() {
				allStopped = false
				break
			}
		}
		if allStopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	log.Flush()
	return nil
}

func buildEngine(protocol string, ownID, sink uint16, table deployment.Table, log *ringlog.Ring) (tsm.EngineFunc, error) {
	switch strings.ToLower(protocol) {
	case "crystal":
		cfg := crystal.Config{
			PeriodTicks:       50000,
			IsSink:            ownID == sink,
			NtxS:              3,
			NtxT:              3,
			NtxA:              3,
			PldsS:             32,
			PldsT:             64,
			PldsA:             32,
			R:                 20,
			Y:                 8,
			Z:                 8,
			X:                 20,
			Xa:                20,
			ScanDurationEpochs: 4,
			SlotDurationTicks:  2500,
			CrystalSyncAcks:    true,
		}
		hooks := crystal.Hooks{
			PreT: func(epoch uint16) ([]byte, bool) {
				return []byte(fmt.Sprintf("node-%d-epoch-%d", ownID, epoch)), true
			},
			BetweenTA: func(epoch uint16, src uint16, payload []byte, ok bool) {
				if ok {
					log.Printf("sink heard node=%d epoch=%d payload=%q", src, epoch, payload)
				}
			},
			Log: func(line string) { log.Printf("%s", line) },
		}
		e := crystal.New(cfg, table, ownID, hooks)
		return e.EngineFunc(), nil
	case "weaver":
		cfg := weaver.Config{
			SinkID:                 sink,
			SinkRadius:             3,
			BootRedundancy:         2,
			GlobalAckPeriod:        20,
			NOriginators:           table.Len(),
			Ntx:                    2,
			Nrx:                    2,
			TerminationWait:        40,
			MaxRxConsecutiveErrors: 20,
			ExtraPayloadLen:        32,
			SlotDurationTicks:      2500,
		}
		hooks := weaver.Hooks{
			OwnPacket: func() ([]byte, bool) {
				return []byte(fmt.Sprintf("weaver-%d", ownID)), true
			},
			OnSinkReceive: func(originatorID uint16, payload []byte) {
				log.Printf("sink received originator=%d payload=%q", originatorID, payload)
			},
			Log: func(line string) { log.Printf("%s", line) },
		}
		e := weaver.New(cfg, table, ownID, hooks)
		return e.EngineFunc(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q (want crystal or weaver)", protocol)
	}
}
