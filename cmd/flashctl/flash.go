package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"webuiflasher/internal/config"
	"webuiflasher/internal/executor"
)

var (
	flashPort     string
	flashBaudRate int
	flashEsptool  string
)

var flashCmd = &cobra.Command{
	Use:   "flash <name>",
	Short: "Flash a cached firmware image to a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(sourcesFile)
		if err != nil {
			return err
		}
		cat := newCatalog(cfg)

		name := args[0]
		fw, ok := cat.Get(name)
		if !ok {
			return fmt.Errorf("unknown firmware %q", name)
		}
		if !fw.Available {
			return fmt.Errorf("firmware %q is not cached, run flashctl update %s first", name, name)
		}

		mgr := executor.NewManager(strings.Fields(flashEsptool), nil)
		defer mgr.Shutdown()

		spec := executor.FlashSpec(fw.Name, fw.ArtifactPath, flashPort)
		spec.Baud = flashBaudRate
		sess, err := mgr.Start(spec, "flashctl")
		if err != nil {
			return err
		}
		glog.V(1).Infof("session %s started", sess.ID)

		subID, events, history, err := mgr.Subscribe(sess.ID, 0)
		if err != nil {
			return err
		}
		defer mgr.Unsubscribe(sess.ID, subID)
		var printed uint64
		for _, ev := range history {
			printEvent(ev)
			printed = ev.Seq
		}
		done, err := mgr.Wait(sess.ID)
		if err != nil {
			return err
		}
		streamEvents(events, done, printed)

		final, err := mgr.Get(sess.ID)
		if err != nil {
			return err
		}
		if final.State != executor.StateSucceeded {
			return fmt.Errorf("flash finished in state %s", final.State)
		}
		return nil
	},
}

// streamEvents prints events until the session reaches a terminal state,
// then drains whatever is still buffered. The terminal event is delivered
// before done closes, so the drain always observes it. Events at or below
// printed were already replayed from history and are skipped.
func streamEvents(events <-chan executor.Event, done <-chan struct{}, printed uint64) {
	emit := func(ev executor.Event) {
		if ev.Seq <= printed {
			return
		}
		printed = ev.Seq
		printEvent(ev)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			emit(ev)
		case <-done:
			for {
				select {
				case ev := <-events:
					emit(ev)
				default:
					return
				}
			}
		}
	}
}

func printEvent(ev executor.Event) {
	switch ev.Kind {
	case executor.EventError, executor.EventWarning:
		fmt.Fprintf(os.Stderr, "%s\n", ev.Message)
	case executor.EventProgress, executor.EventPartial:
		fmt.Printf("\r%s", ev.Message)
	default:
		fmt.Printf("%s\n", ev.Message)
	}
}

func init() {
	flashCmd.Flags().StringVarP(&flashPort, "port", "p", "auto", "serial port to flash over")
	flashCmd.Flags().IntVarP(&flashBaudRate, "baudrate", "b", 0, "flash baud rate (0 uses the tool default)")
	flashCmd.Flags().StringVar(&flashEsptool, "esptool", "python -m esptool", "command used to invoke esptool")
}
