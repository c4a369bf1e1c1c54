package realtimeservice

import (
	"context"

	"roadside-dispatch/internal/general/config"
	"roadside-dispatch/internal/general/mongostore"
	"roadside-dispatch/internal/general/postgres"
	callsvc "roadside-dispatch/internal/software/call/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"

	"github.com/pion/webrtc/v4"
)

// mechanicRanker feeds the dispatch engine from the mechanics table.
type mechanicRanker struct {
	repo *postgres.MechanicRepo
}

func (r mechanicRanker) RankCandidates(ctx context.Context, q dispatchsvc.CandidateQuery) ([]string, error) {
	return r.repo.RankCandidates(ctx, q.Location, q.VehicleType, q.RadiusKM, q.Limit)
}

// mechanicDirectory resolves the details sent with MECHANIC_ASSIGNED.
type mechanicDirectory struct {
	repo *postgres.MechanicRepo
}

func (d mechanicDirectory) Profile(ctx context.Context, mechanicID string) (dispatchsvc.MechanicProfile, error) {
	m, err := d.repo.GetByID(ctx, mechanicID)
	if err != nil {
		return dispatchsvc.MechanicProfile{}, err
	}
	return dispatchsvc.MechanicProfile{
		ID:       m.ID,
		Name:     m.Name,
		Phone:    m.Phone,
		Location: m.Location,
	}, nil
}

// callLogSink hands finished calls to the Mongo writer.
type callLogSink struct {
	writer *mongostore.CallLogWriter
}

func (s callLogSink) Record(ctx context.Context, l callsvc.CallLog) {
	s.writer.Enqueue(ctx, mongostore.CallLog{
		BookingID:  l.BookingID,
		CallID:     l.CallID,
		Caller:     l.Caller,
		Callee:     l.Callee,
		StartedAt:  l.StartedAt,
		AnsweredAt: l.AnsweredAt,
		EndedAt:    l.EndedAt,
		EndedBy:    l.EndedBy,
		Outcome:    l.Outcome,
	})
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
