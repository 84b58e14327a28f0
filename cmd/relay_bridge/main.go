// relay_bridge exposes a Modbus relay board on a local serial line over HTTP,
// so domed can power cycle the controller from another host.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"

	"github.com/w1xm/dome_interface/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8504", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("relay_serial", "", "relay board serial port name")
	baud       = flag.Int("relay_baud", 19200, "relay board baud rate")
)

// sender forwards one RTU frame and returns the reply.
type sender interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

type Bridge struct {
	mu       sync.Mutex
	handler  sender
	password string
}

func NewBridge(port string, baud int, password string) *Bridge {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = 1
	return &Bridge{
		handler:  handler,
		password: password,
	}
}

func (b *Bridge) SendHandler(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if b.password != "" && (!ok || pass != b.password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	err := func() error {
		aduRequest, err := io.ReadAll(io.LimitReader(r.Body, 512))
		if err != nil {
			return err
		}
		// The serial line carries one frame at a time.
		b.mu.Lock()
		aduResponse, err := b.handler.Send(aduRequest)
		b.mu.Unlock()
		var errString string
		if err != nil {
			errString = err.Error()
			log.Printf("relay: %s from %v failed: %v", describe(aduRequest), r.RemoteAddr, err)
		} else {
			log.Printf("relay: %s from %v", describe(aduRequest), r.RemoteAddr)
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		log.Printf("SendHandler: %v", err)
		http.Error(w, err.Error(), 500)
		return
	}
}

// describe names the coil operation in an RTU request frame.
func describe(adu []byte) string {
	if len(adu) < 6 {
		return fmt.Sprintf("short frame % x", adu)
	}
	slave, addr, value := adu[0], binary.BigEndian.Uint16(adu[2:4]), binary.BigEndian.Uint16(adu[4:6])
	switch adu[1] {
	case 0x05:
		state := "off"
		if value == 0xFF00 {
			state = "on"
		}
		return fmt.Sprintf("slave %d coil %d %s", slave, addr, state)
	case 0x01:
		return fmt.Sprintf("slave %d read %d coils at %d", slave, value, addr)
	}
	return fmt.Sprintf("slave %d function 0x%02x", slave, adu[1])
}

func (b *Bridge) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/send", b.SendHandler).Methods(http.MethodPost)
	return r
}

func main() {
	flag.Parse()
	if *serialPort == "" {
		log.Fatal("-relay_serial is required")
	}
	bridge := NewBridge(*serialPort, *baud, *password)
	srv := &http.Server{
		Handler:      bridge.Router(),
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("Listening on %v", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
