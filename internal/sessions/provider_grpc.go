//go:build protogen

package sessions

import (
	"context"
	"time"

	"github.com/nadim-ashraf/bookflow/libs/grpcx"
	meetingv1 "github.com/nadim-ashraf/bookflow/protos/gen/meeting/v1"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

type grpcProvider struct {
	client meetingv1.MeetingServiceClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: meetingv1.NewMeetingServiceClient(conn)}, nil
}

func (p *grpcProvider) Allocate(ctx context.Context, appt model.Appointment) (string, error) {
	resp, err := p.client.AllocateRoom(ctx, &meetingv1.AllocateRoomRequest{
		AppointmentId: appt.ID,
		ProviderId:    appt.ProviderID,
		RequesterId:   appt.RequesterID,
	})
	if err != nil {
		return "", err
	}
	return resp.GetRoomRef(), nil
}

func (p *grpcProvider) Release(ctx context.Context, appt model.Appointment) error {
	if appt.SessionRef == "" {
		return nil
	}
	_, err := p.client.ReleaseRoom(ctx, &meetingv1.ReleaseRoomRequest{RoomRef: appt.SessionRef})
	return err
}
