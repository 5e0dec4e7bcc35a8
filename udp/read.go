package udp

import (
	"time"

	"github.com/treemana/edgedns/codec"
	"github.com/treemana/edgedns/log"
	"github.com/treemana/edgedns/model"
	"github.com/treemana/edgedns/util"
)

// Submitter is the resolver side of the listener.
type Submitter interface {
	Submit(cq *model.ClientQuery) error
}

func (s *Server) read(sub Submitter) {
	buf := make([]byte, codec.MaxSize)
	for {
		n, remoteAddr, err := util.Read(s.conn, buf)
		if err != nil {
			if util.IsClosed(err) {
				log.Sugar.Warn("server read connection closed")
				return
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		sn := s.serial.Add(1)

		if n < codec.QueryMinSize {
			log.Sugar.Debugf("sn=%d, short query from %s", sn, remoteAddr)
			s.varz.ClientQueriesErrors.Inc()
			continue
		}

		q, err := codec.Normalize(buf[:n], false)
		if err != nil {
			log.Sugar.Debugf("sn=%d, invalid query from %s, error=[%+v]", sn, remoteAddr, err)
			s.varz.ClientQueriesErrors.Inc()
			continue
		}

		s.varz.ClientQueriesUDP.Inc()

		cq := &model.ClientQuery{
			Proto:      model.ProtoUDP,
			Question:   q,
			TS:         time.Now(),
			ClientAddr: remoteAddr,
		}

		log.Sugar.Debugf("sn=%d, id=%d, query=[%s]", sn, q.TID, q)

		if err = sub.Submit(cq); err != nil {
			s.varz.ClientQueriesDropped.Inc()
			log.Sugar.Warnf("sn=%d, query=[%s] dropped, error=[%+v]", sn, q, err)
		}
	}
}
