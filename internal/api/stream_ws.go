package api

import (
	"net/http"

	"github.com/coder/websocket"
)

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream hub"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	s.Hub.add(conn)
	defer s.Hub.remove(conn)

	// The dashboard socket is write-only; CloseRead surfaces the peer
	// going away.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
