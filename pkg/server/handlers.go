package server

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aeolun/tessenger/pkg/protocol"
)

// handleCommand decodes one control record and dispatches it. The returned
// error is a transport failure on the session's own connection; every
// other problem is reported to the client as a reply.
func (s *Server) handleCommand(sess *Session, line string) error {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		return s.handleParseError(sess, line, err)
	}

	s.metrics.RecordCommand(cmd.Name())
	debugLog.Printf("Session %d ← %s", sess.ID, cmd.Name())

	if c, ok := cmd.(*protocol.Credentials); ok {
		return s.handleCredentials(sess, c)
	}

	if sess.State() != StateAuthenticated {
		return s.sendError(sess, ErrorAuth, protocol.KindLogin, "Please log in first.")
	}

	switch c := cmd.(type) {
	case *protocol.UserLog:
		return s.handleUserLog(sess, c)
	case *protocol.MsgTo:
		return s.handleMsgTo(sess, c)
	case *protocol.ActiveUser:
		return s.handleActiveUser(sess)
	case *protocol.CreateGroup:
		return s.handleCreateGroup(sess, c)
	case *protocol.JoinGroup:
		return s.handleJoinGroup(sess, c)
	case *protocol.GroupMsg:
		return s.handleGroupMsg(sess, c)
	case *protocol.P2PVideo:
		return s.handleP2PVideo(sess, c)
	case *protocol.Logout:
		return s.handleLogout(sess, c)
	default:
		return s.sendError(sess, ErrorTransport, protocol.KindError, "Unsupported command %s.", cmd.Name())
	}
}

func (s *Server) handleParseError(sess *Session, line string, err error) error {
	var usageErr *protocol.UsageError
	switch {
	case errors.Is(err, protocol.ErrEmptyCommand):
		return nil
	case errors.As(err, &usageErr):
		return s.sendError(sess, ErrorTransport, replyKind(usageErr.Command), "Invalid syntax. Usage: %s", usageErr.Usage)
	default:
		name := strings.Fields(line)[0]
		s.metrics.RecordError(ErrorTransport)
		return sess.Send(fmt.Sprintf("%s Unknown command: %s", protocol.KindError, name))
	}
}

// replyKind maps a command name to the kind token of its replies
func replyKind(command string) string {
	switch command {
	case protocol.CmdCredentials:
		return protocol.KindLogin
	case protocol.CmdMsgTo:
		return protocol.KindMsgTo
	default:
		return strings.ToLower(strings.TrimPrefix(command, "/"))
	}
}

// sendError sends "<kind> Error: ..." and counts it under category
func (s *Server) sendError(sess *Session, category, kind, format string, args ...interface{}) error {
	s.metrics.RecordError(category)
	return sess.Send(protocol.ErrorReply(kind, format, args...))
}

// checkIdentity rejects commands that name a user other than the session's
func (s *Server) checkIdentity(sess *Session, kind, username string) (bool, error) {
	if current := sess.Username(); username != current {
		return false, s.sendError(sess, ErrorAddressing, kind, "User %s does not match the logged in user %s.", username, current)
	}
	return true, nil
}

func (s *Server) handleCredentials(sess *Session, c *protocol.Credentials) error {
	if sess.State() == StateAuthenticated {
		return s.sendError(sess, ErrorState, protocol.KindLogin, "Already logged in as %s.", sess.Username())
	}

	result := s.guard.Authenticate(c.Username, c.Password)
	s.metrics.RecordLogin(result.String())

	switch result {
	case LoginSuccess:
		sess.authenticate(c.Username, c.UDPPort, s.now())
		if displaced := s.sessions.Register(sess); displaced != nil {
			s.displace(displaced)
		}
		log.Printf("User %s logged in from %s (session %d)", c.Username, sess.Address, sess.ID)
		return sess.Send(protocol.ReplyLoginSuccess)

	case LoginAccountLocked:
		log.Printf("User %s is blocked", c.Username)
		s.metrics.RecordError(ErrorAuth)
		return sess.Send(protocol.ReplyClientBlocked)

	case LoginNewlyLocked:
		log.Printf("User %s is locked", c.Username)
		s.metrics.RecordError(ErrorAuth)
		err := sess.Send(protocol.ReplyAccountLocked)
		sess.terminate()
		return err

	default:
		log.Printf("User %s failed to log in", c.Username)
		s.metrics.RecordError(ErrorAuth)
		return sess.Send(protocol.ReplyLoginFailed)
	}
}

// displace closes a session whose username was taken over by a new login.
// Its active user rows go with it; the new session logs its own.
func (s *Server) displace(old *Session) {
	username := old.Username()
	log.Printf("User %s logged in again; closing session %d", username, old.ID)

	if _, err := s.audit.RemoveActiveUser(username); err != nil {
		errorLog.Printf("Failed to remove %s from active user log: %v", username, err)
	}
	old.terminate()
	old.Conn.Close()
}

func (s *Server) handleUserLog(sess *Session, c *protocol.UserLog) error {
	if ok, err := s.checkIdentity(sess, replyKind(protocol.CmdLog), c.Username); !ok {
		return err
	}

	position, err := s.audit.AddActiveUser(sess.JoinedAt(), c.Username, sess.Address, c.UDPPort)
	if err != nil {
		errorLog.Printf("Failed to log active user %s: %v", c.Username, err)
		return nil
	}
	debugLog.Printf("Active user %d; %s; %s; %s; %d", position, protocol.FormatTimestamp(sess.JoinedAt()), c.Username, sess.Address, c.UDPPort)
	return nil
}

func (s *Server) handleMsgTo(sess *Session, c *protocol.MsgTo) error {
	if ok, err := s.checkIdentity(sess, protocol.KindMsgTo, c.Sender); !ok {
		return err
	}

	ts, result := s.router.SendDirect(c.Sender, c.Recipient, c.Content)
	switch result {
	case SendSelfAddressed:
		return s.sendError(sess, ErrorAddressing, protocol.KindMsgTo, "User %s cannot send messages to themselves.", c.Sender)
	case SendRecipientOffline:
		return s.sendError(sess, ErrorAddressing, protocol.KindMsgTo, "User %s is not online.", c.Recipient)
	}

	log.Printf("%s sent a message to %s at %s", c.Sender, c.Recipient, protocol.FormatTimestamp(ts))
	return sess.Send(protocol.DirectAck(ts))
}

func (s *Server) handleActiveUser(sess *Session) error {
	others := s.sessions.ListOthers(sess.Username())

	entries := make([]protocol.ActiveUserEntry, 0, len(others))
	for _, o := range others {
		entries = append(entries, protocol.ActiveUserEntry{
			Username:    o.Username(),
			Address:     o.Address,
			UDPPort:     o.UDPPort(),
			ActiveSince: o.JoinedAt(),
		})
	}
	return sess.Send(protocol.ActiveUserReply(entries))
}

func (s *Server) handleCreateGroup(sess *Session, c *protocol.CreateGroup) error {
	if ok, err := s.checkIdentity(sess, protocol.KindCreateGroup, c.Creator); !ok {
		return err
	}

	group, result, offline := s.groups.Create(c.Group, c.Creator, c.Members)
	switch result {
	case GroupInvalidName:
		return s.sendError(sess, ErrorAddressing, protocol.KindCreateGroup,
			"Group %s creation failed. Group name must only consist of letter a-z and digit 0-9.", c.Group)
	case GroupDuplicateName:
		return s.sendError(sess, ErrorState, protocol.KindCreateGroup,
			"Group %s creation failed. Group name already exists.", c.Group)
	case GroupMemberOffline:
		return s.sendError(sess, ErrorAddressing, protocol.KindCreateGroup,
			"Group %s creation failed. User %s is not valid or not online.", c.Group, offline)
	}

	if err := s.audit.CreateGroupLog(group.Name, group.Roster, group.CreatedAt); err != nil {
		errorLog.Printf("Failed to start log for group %s: %v", group.Name, err)
	}

	members := strings.Join(group.Roster, " ")
	log.Printf("Group %s created by %s. Group members: %s", group.Name, c.Creator, members)
	return sess.Send(fmt.Sprintf("%s Group %s created successfully. Group members: %s", protocol.KindCreateGroup, group.Name, members))
}

func (s *Server) handleJoinGroup(sess *Session, c *protocol.JoinGroup) error {
	if ok, err := s.checkIdentity(sess, protocol.KindJoinGroup, c.Username); !ok {
		return err
	}

	switch s.groups.Join(c.Group, c.Username) {
	case GroupNoSuchGroup:
		return s.sendError(sess, ErrorAddressing, protocol.KindJoinGroup, "Group %s does not exist.", c.Group)
	case GroupNotAMember:
		return s.sendError(sess, ErrorAddressing, protocol.KindJoinGroup, "User %s is not a member of group %s.", c.Username, c.Group)
	case GroupAlreadyJoined:
		return s.sendError(sess, ErrorState, protocol.KindJoinGroup, "User %s has already joined group %s.", c.Username, c.Group)
	}

	log.Printf("User %s joined group %s", c.Username, c.Group)
	return sess.Send(fmt.Sprintf("%s %s joined successfully.", protocol.KindJoinGroup, c.Group))
}

func (s *Server) handleGroupMsg(sess *Session, c *protocol.GroupMsg) error {
	if ok, err := s.checkIdentity(sess, protocol.KindGroupMsg, c.Username); !ok {
		return err
	}

	ts, result := s.router.PostGroup(c.Group, c.Username, c.Content)
	switch result {
	case GroupNoSuchGroup:
		return s.sendError(sess, ErrorAddressing, protocol.KindGroupMsg, "Group %s does not exist.", c.Group)
	case GroupNotAMember:
		return s.sendError(sess, ErrorAddressing, protocol.KindGroupMsg, "User %s is not a member of group %s.", c.Username, c.Group)
	case GroupNotJoined:
		return s.sendError(sess, ErrorState, protocol.KindGroupMsg, "User %s has not joined group %s.", c.Username, c.Group)
	}

	return sess.Send(fmt.Sprintf("%s Group message sent to %s at %s.", protocol.KindGroupMsg, c.Group, protocol.FormatTimestamp(ts)))
}

func (s *Server) handleP2PVideo(sess *Session, c *protocol.P2PVideo) error {
	if ok, err := s.checkIdentity(sess, protocol.KindP2PVideo, c.Presenter); !ok {
		return err
	}

	endpoint, result := s.broker.RequestEndpoint(c.Presenter, c.Audience, c.File)
	switch result {
	case HandshakeSelfAddressed:
		return s.sendError(sess, ErrorAddressing, protocol.KindP2PVideo, "User %s cannot send messages to themselves.", c.Audience)
	case HandshakeAudienceOffline:
		return s.sendError(sess, ErrorAddressing, protocol.KindP2PVideo, "User %s is not logged in.", c.Audience)
	}

	return sess.Send(protocol.EndpointReply(endpoint))
}

func (s *Server) handleLogout(sess *Session, c *protocol.Logout) error {
	if ok, err := s.checkIdentity(sess, protocol.KindLogout, c.Username); !ok {
		return err
	}

	if s.sessions.Unregister(sess) {
		if _, err := s.audit.RemoveActiveUser(c.Username); err != nil {
			errorLog.Printf("Failed to remove %s from active user log: %v", c.Username, err)
		}
	}
	sess.terminate()

	log.Printf("User %s logged out", c.Username)
	return sess.Send(fmt.Sprintf("%s Bye, %s!", protocol.KindLogout, c.Username))
}
