package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
)

// ListenRotctld serves a subset of the hamlib rotctld protocol so planetarium
// and tracking software can drive the dome as an azimuth-only rotator.
func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go func() {
				defer conn.Close()
				log.Printf("accepted connection from %v", conn.RemoteAddr())
				s.handleRotctld(conn)
			}()
		}
	}()
	return nil
}

// hamlib error codes
const (
	rprtOK     = 0
	rprtEINVAL = -1
	rprtEIO    = -6
)

func (s *Server) handleRotctld(conn io.ReadWriter) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := strings.TrimSpace(scanner.Text())
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd)
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			parts := strings.Fields(cmd)
			cmd = parts[0][1:]
			args = parts[1:]
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = string(cmd[0])
		}
		rprt := rprtEINVAL
		switch cmd {
		case "q", "Q":
			return
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: Dome
Mfg name: w1xm
Rot type: Az
Min Azimuth: 0.00
Max Azimuth: 360.00
Min Elevation: 0.00
Max Elevation: 0.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: Y
Can Move: N
Can get Info: Y
`)
			rprt = rprtOK
		case "_", "get_info":
			st := s.d.Status()
			fmt.Fprintf(conn, "dome %v shutter %v\n", st.Dome, st.Shutter)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			rprt = s.rotctldRun(Command{Command: "abort"})
		case "K", "park":
			extended = true
			rprt = s.rotctldRun(Command{Command: "park"})
		case "R", "reset":
			extended = true
			rprt = s.rotctldRun(Command{Command: "reset"})
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			if _, err := strconv.ParseFloat(args[1], 64); err != nil {
				break
			}
			// Trackers may send -180..180.
			if az < 0 {
				az += 360
			}
			rprt = s.rotctldRun(Command{Command: "slew", Azimuth: az})
		case "p", "get_pos":
			st := s.d.Status()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", st.Azimuth, 0.0)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", st.Azimuth, 0.0)
			}
			rprt = rprtOK
		}
		log.Printf("rotctld command: %q args: %#v: RPRT %d", cmd, args, rprt)
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading rotctld connection: %v", err)
	}
}

func (s *Server) rotctldRun(cmd Command) int {
	if _, err := s.run(cmd); err != nil {
		log.Printf("rotctld %s: %v", cmd.Command, err)
		return rprtEIO
	}
	return rprtOK
}
