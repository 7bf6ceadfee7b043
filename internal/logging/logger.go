package logging

import (
	"io"
	"log"
	"os"
)

var (
	Client    = log.New(os.Stdout, "[client] ", log.LstdFlags)
	Transport = log.New(os.Stdout, "[transport] ", log.LstdFlags)
	LNURL     = log.New(os.Stdout, "[lnurl] ", log.LstdFlags)
	Store     = log.New(os.Stdout, "[store] ", log.LstdFlags)
	Sim       = log.New(os.Stdout, "[sim] ", log.LstdFlags)
	HTTP      = log.New(os.Stdout, "[http] ", log.LstdFlags)
)

// SetOutput redirects every subsystem logger to w.
func SetOutput(w io.Writer) {
	for _, l := range []*log.Logger{Client, Transport, LNURL, Store, Sim, HTTP} {
		l.SetOutput(w)
	}
}
