package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"io"
	"log"
	"net"
	"time"

	"github.com/yaronf/secchan"
	"github.com/yaronf/secchan/certwatch"
)

var port string
var serverKeyFile, serverCertFile string
var pinningDB string
var requireTrusted bool
var pinClient bool

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverKeyFile, "keyfile", "", "private key file")
	flag.StringVar(&serverCertFile, "certfile", "", "certificate file")
	flag.StringVar(&pinningDB, "pinning-database", "", "client pin database file (will be created or opened)")
	flag.BoolVar(&requireTrusted, "require-trusted", false, "reject clients whose certificate is not pinned")
	flag.BoolVar(&pinClient, "pin-clients", false, "pin every client certificate seen (trust on first use)")
	flag.Parse()

	if serverKeyFile == "" || serverCertFile == "" {
		log.Fatal("You must specify a private key file and a certificate file")
	}
	if (requireTrusted || pinClient) && pinningDB == "" {
		log.Fatal("For client pinning, you must specify a pinning database file")
	}

	watcher, err := certwatch.New(serverCertFile, serverKeyFile)
	if err != nil {
		log.Fatalf("server: %s", err)
	}
	watcher.Logf = log.Printf
	watcher.OnChange = func(*tls.Certificate) { log.Print("server: certificate reloaded") }
	if err := watcher.Start(); err != nil {
		log.Fatalf("server: watching certificate: %s", err)
	}
	defer watcher.Close()

	config := secchan.Config{
		TLS: &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: secchan.GetCertificateFunc(watcher),
		},
	}

	if pinningDB != "" {
		pins, err := secchan.OpenPinStore(pinningDB)
		if err != nil {
			log.Fatalf("server: pin store: %s", err)
		}
		defer pins.Close()
		config.TrustPeer = pins.Trusted
		config.PeerTrust = secchan.TrustOptional
		if requireTrusted {
			config.PeerTrust = secchan.TrustRequired
		}
		if pinClient {
			config.TrustPeer = func(chain []*x509.Certificate) bool {
				return pinOnFirstUse(pins, chain)
			}
		}
	}

	service := "0.0.0.0:" + port
	listener, err := secchan.Listen("tcp", service, &config)
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Print("server: listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", conn.RemoteAddr())
		go handleClient(conn)
	}
}

func handleClient(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("server: conn: read: %s", err)
			}
			break
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			log.Printf("server: conn: write: %s", err)
			break
		}
		log.Printf("server: conn: echoed %d bytes", n)
	}
	if sc, ok := conn.(*secchan.Conn); ok {
		secchan.LogSnapshotAsJSON(sc.Channel().Snapshot(), "server:")
	}
	log.Println("server: conn: closed")
}

const pinLifetime = 30 * 24 * time.Hour

// pinOnFirstUse trusts a client it has seen before, and pins clients it has
// not.
func pinOnFirstUse(pins *secchan.PinStore, chain []*x509.Certificate) bool {
	if pins.Trusted(chain) {
		return true
	}
	if err := pins.Pin(chain[0], pinLifetime); err != nil {
		log.Printf("server: pinning %s: %s", chain[0].Subject, err)
		return false
	}
	log.Printf("server: pinned new client %s", chain[0].Subject)
	return true
}
