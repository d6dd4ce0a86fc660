//go:build !unix

package secchan

func (t *netTransport) readNow(p []byte) (int, error) {
	return t.pollRead(p)
}

func (t *netTransport) writeNow(p []byte) (int, error) {
	return t.conn.Write(p)
}
