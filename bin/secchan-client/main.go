package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jpillora/backoff"

	"github.com/yaronf/secchan"
)

var addr string
var serverName string
var caFile string
var certFile, keyFile string
var insecure bool
var retries int
var message string

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&serverName, "servername", "", "expected server name (default: host part of addr)")
	flag.StringVar(&caFile, "cafile", "", "PEM file with trusted root certificates")
	flag.StringVar(&certFile, "certfile", "", "client certificate file")
	flag.StringVar(&keyFile, "keyfile", "", "client private key file")
	flag.BoolVar(&insecure, "insecure", false, "skip certificate chain verification")
	flag.IntVar(&retries, "retries", 3, "connection attempts before giving up")
	flag.StringVar(&message, "message", "hello world", "message to send")
	flag.Parse()

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			log.Fatalf("Cannot read CA file: %s", caFile)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			log.Fatalf("No certificates in CA file: %s", caFile)
		}
		tlsConfig.RootCAs = roots
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Fatalf("Cannot load client key pair: %s", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	config := secchan.Config{
		TLS:        tlsConfig,
		ServerName: serverName,
	}
	if insecure {
		config.VerifyHostname = func(string, secchan.Session) bool { return true }
	}

	conn, err := dial(&config)
	if err != nil {
		fmt.Println("Handshake failed:", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(message)); err != nil {
		fmt.Println("Write failed:", err)
		return
	}

	buffer := make([]byte, len(message))
	if _, err := io.ReadFull(conn, buffer); err != nil {
		fmt.Println("Read failed:", err)
		return
	}
	fmt.Println("Received from server:")
	fmt.Println(string(buffer))
}

func dial(config *secchan.Config) (*secchan.Conn, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second}
	for {
		conn, err := secchan.Dial("tcp", addr, config)
		if err == nil {
			return conn, nil
		}
		if secchan.IsSecureError(err) || int(b.Attempt())+1 >= retries {
			return nil, err
		}
		d := b.Duration()
		log.Printf("client: %s, retrying in %s", err, d)
		time.Sleep(d)
	}
}
