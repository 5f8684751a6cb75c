package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockCommands struct {
	mock.Mock
}

func (m *mockCommands) Initiate(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCommands) ToggleScreenShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCommands) StartCamera(ctx context.Context, constraints domain.Constraints) error {
	return m.Called(constraints).Error(0)
}

func (m *mockCommands) StopCamera(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockCommands) SendChat(ctx context.Context, text string) error {
	return m.Called(text).Error(0)
}

func (m *mockCommands) RefreshDevices(ctx context.Context) ([]domain.Device, error) {
	args := m.Called()
	devices, _ := args.Get(0).([]domain.Device)
	return devices, args.Error(1)
}

var cameraAndMic = Options{Camera: domain.Constraints{Audio: true, Video: true}}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	cmds := &mockCommands{}
	cmds.On("SendChat", "hello there").Return(nil).Once()
	cmds.On("Initiate").Return(nil).Once()
	cmds.On("ToggleScreenShare").Return(nil).Once()
	cmds.On("StartCamera", domain.Constraints{Audio: true, Video: true}).Return(nil).Once()
	cmds.On("StopCamera").Return(nil).Once()
	out := &bytes.Buffer{}

	assert.NoError(t, Execute(ctx, "  hello there ", cmds, cameraAndMic, out))
	assert.NoError(t, Execute(ctx, "/call", cmds, cameraAndMic, out))
	assert.NoError(t, Execute(ctx, "/screen", cmds, cameraAndMic, out))
	assert.NoError(t, Execute(ctx, "/CAMERA", cmds, cameraAndMic, out))
	assert.NoError(t, Execute(ctx, "/stopcamera", cmds, cameraAndMic, out))
	assert.NoError(t, Execute(ctx, "", cmds, cameraAndMic, out))
	assert.ErrorIs(t, Execute(ctx, "/quit", cmds, cameraAndMic, out), ErrQuit)
	assert.Error(t, Execute(ctx, "/dance", cmds, cameraAndMic, out))

	cmds.AssertExpectations(t)
}

func TestExecute_CameraFollowsOptions(t *testing.T) {
	cmds := &mockCommands{}
	cmds.On("StartCamera", domain.Constraints{Video: true}).Return(nil).Once()

	opts := Options{Camera: domain.Constraints{Video: true}}
	assert.NoError(t, Execute(context.Background(), "/camera", cmds, opts, &bytes.Buffer{}))

	cmds.AssertExpectations(t)
}

func TestExecute_Devices(t *testing.T) {
	cmds := &mockCommands{}
	cmds.On("RefreshDevices").Return([]domain.Device{
		{ID: "1", Kind: domain.DeviceVideoInput, Label: "Cam"},
	}, nil)
	out := &bytes.Buffer{}

	assert.NoError(t, Execute(context.Background(), "/devices", cmds, Options{}, out))
	assert.Contains(t, out.String(), "videoinput")
	assert.Contains(t, out.String(), "Cam")
}

func TestExecute_RejectsInvalidChat(t *testing.T) {
	cmds := &mockCommands{}
	ctx := context.Background()

	assert.Error(t, Execute(ctx, "bad \xff byte", cmds, Options{}, &bytes.Buffer{}))
	assert.Error(t, Execute(ctx, strings.Repeat("x", 5000), cmds, Options{}, &bytes.Buffer{}))

	cmds.AssertNotCalled(t, "SendChat", mock.Anything)
}

func TestLoop(t *testing.T) {
	cmds := &mockCommands{}
	cmds.On("SendChat", "early").Return(domain.ErrChannelNotOpen).Once()
	cmds.On("SendChat", "hi").Return(nil).Once()
	cmds.On("ToggleScreenShare").Return(domain.ErrScreenShareBusy).Once()
	cmds.On("StopCamera").Return(errors.New("boom")).Once()
	cmds.On("Initiate").Return(domain.ErrNotOfferer).Once()

	in := strings.NewReader("early\nhi\n/screen\n/stopcamera\n/call\n/quit\nnever sent\n")
	out := &bytes.Buffer{}

	err := Loop(context.Background(), in, out, cmds, cameraAndMic, nil)

	assert.NoError(t, err)
	assert.Equal(t, "! not connected yet\n! the peer is already sharing\n! boom\n! the other side places the call\n", out.String())
	cmds.AssertExpectations(t)
	cmds.AssertNotCalled(t, "SendChat", "never sent")
}

func TestLoop_EndOfInput(t *testing.T) {
	cmds := &mockCommands{}
	cmds.On("SendChat", "bye").Return(nil).Once()

	err := Loop(context.Background(), strings.NewReader("bye"), &bytes.Buffer{}, cmds, Options{}, nil)

	assert.NoError(t, err)
	cmds.AssertExpectations(t)
}
