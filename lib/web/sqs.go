/*
Copyright 2025 Creek Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/httplib"
	"github.com/creekmq/creek/lib/queue"
	"github.com/creekmq/creek/lib/services"
)

// sqsContext carries the authenticated caller through an action handler.
type sqsContext struct {
	user *services.User
	// namespace is the credential's authorized namespace.
	namespace string
}

// handleSQS authenticates the request, maps X-Amz-Target to an action
// and dispatches. The action set is closed; anything else is rejected
// before the body is parsed.
func (h *Handler) handleSQS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	user, namespace, err := h.cfg.Authorizer.Authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sctx := &sqsContext{user: user, namespace: namespace}
	h.ensureSessionCookie(w, r, user.Email)

	target := r.Header.Get(creek.AmzTargetHeader)
	action, ok := strings.CutPrefix(target, creek.AmzTargetPrefix)
	if !ok {
		return nil, trace.BadParameter("malformed %s header %q", creek.AmzTargetHeader, target)
	}

	h.logger.InfoContext(r.Context(), "Dispatching SQS action.",
		"action", action, "namespace", namespace, "email", user.Email)

	switch action {
	case "SendMessage":
		return h.sqsSendMessage(r, sctx)
	case "SendMessageBatch":
		return h.sqsSendMessageBatch(r, sctx)
	case "ReceiveMessage":
		return h.sqsReceiveMessage(r, sctx)
	case "DeleteMessage":
		return h.sqsDeleteMessage(r, sctx)
	case "DeleteMessageBatch":
		return h.sqsDeleteMessageBatch(r, sctx)
	case "ListQueues":
		return h.sqsListQueues(r, sctx)
	case "GetQueueUrl":
		return h.sqsGetQueueURL(r, sctx)
	case "CreateQueue":
		return h.sqsCreateQueue(r, sctx)
	case "DeleteQueue":
		return h.sqsDeleteQueue(r, sctx)
	case "GetQueueAttributes":
		return h.sqsGetQueueAttributes(r, sctx)
	case "SetQueueAttributes":
		return h.sqsSetQueueAttributes(r, sctx)
	case "PurgeQueue":
		return h.sqsPurgeQueue(r, sctx)
	case "ListQueueTags":
		return h.sqsListQueueTags(r, sctx)
	case "TagQueue":
		return h.sqsTagQueue(r, sctx)
	case "UntagQueue":
		return h.sqsUntagQueue(r, sctx)
	}
	return nil, trace.BadParameter("unknown action %q", action)
}

// ensureSessionCookie gives a signed request a session cookie so the
// caller's follow-up interactive requests need not re-sign. A request
// that already carries a live session keeps it. Cookie failures never
// fail the action itself.
func (h *Handler) ensureSessionCookie(w http.ResponseWriter, r *http.Request, email string) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if sc, err := DecodeCookie(cookie.Value); err == nil {
			if _, err := h.cfg.Sessions.Get(r.Context(), sc.SID, sc.Key); err == nil {
				return
			}
		}
	}
	session, err := h.cfg.Sessions.Create(r.Context(), email)
	if err != nil {
		h.logger.WarnContext(r.Context(), "Failed to open session for signed request.", "error", err)
		return
	}
	if err := SetSessionCookie(w, session.ID, session.Key); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to set session cookie.", "error", err)
	}
}

// queueURL renders the wire form of a queue reference.
func (h *Handler) queueURL(namespace, name string) string {
	return h.cfg.Host + "/sqs/" + namespace + "/" + name
}

// parseQueueURL extracts (namespace, queue) from the trailing two path
// segments of a queue URL.
func parseQueueURL(queueURL string) (namespace, name string, err error) {
	trimmed := strings.TrimSuffix(queueURL, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", trace.BadParameter("malformed QueueUrl %q", queueURL)
	}
	namespace, name = parts[len(parts)-2], parts[len(parts)-1]
	if namespace == "" || name == "" {
		return "", "", trace.BadParameter("malformed QueueUrl %q", queueURL)
	}
	return namespace, name, nil
}

type sendMessageRequest struct {
	QueueUrl          string            `json:"QueueUrl"`
	MessageBody       string            `json:"MessageBody"`
	DelaySeconds      int               `json:"DelaySeconds,omitempty"`
	MessageAttributes map[string]string `json:"MessageAttributes,omitempty"`
}

type sendMessageResponse struct {
	MessageId string `json:"MessageId"`
	MD5OfBody string `json:"MD5OfMessageBody"`
}

func (h *Handler) sqsSendMessage(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req sendMessageRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Engine.Send(r.Context(), sctx.namespace, sctx.user, namespace, name,
		[]byte(req.MessageBody), req.MessageAttributes, queue.SendOptions{DelaySeconds: req.DelaySeconds})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sendMessageResponse{
		MessageId: queue.FormatReceiptHandle(result.MessageID),
		MD5OfBody: result.MD5OfBody,
	}, nil
}

type sendMessageBatchEntry struct {
	Id                string            `json:"Id"`
	MessageBody       string            `json:"MessageBody"`
	DelaySeconds      int               `json:"DelaySeconds,omitempty"`
	MessageAttributes map[string]string `json:"MessageAttributes,omitempty"`
}

type sendMessageBatchRequest struct {
	QueueUrl string                  `json:"QueueUrl"`
	Entries  []sendMessageBatchEntry `json:"Entries"`
}

type sendMessageBatchResultEntry struct {
	Id               string `json:"Id"`
	MessageId        string `json:"MessageId"`
	MD5OfMessageBody string `json:"MD5OfMessageBody"`
}

type sendMessageBatchResponse struct {
	Successful []sendMessageBatchResultEntry `json:"Successful"`
}

func (h *Handler) sqsSendMessageBatch(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req sendMessageBatchRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries := make([]queue.BatchEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, queue.BatchEntry{
			ID:         e.Id,
			Body:       []byte(e.MessageBody),
			Attributes: e.MessageAttributes,
			Options:    queue.SendOptions{DelaySeconds: e.DelaySeconds},
		})
	}
	results, err := h.cfg.Engine.SendBatch(r.Context(), sctx.namespace, sctx.user, namespace, name, entries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := sendMessageBatchResponse{Successful: make([]sendMessageBatchResultEntry, 0, len(results))}
	for _, res := range results {
		resp.Successful = append(resp.Successful, sendMessageBatchResultEntry{
			Id:               res.ID,
			MessageId:        queue.FormatReceiptHandle(res.MessageID),
			MD5OfMessageBody: res.MD5OfBody,
		})
	}
	return resp, nil
}

type receiveMessageRequest struct {
	QueueUrl            string `json:"QueueUrl"`
	MaxNumberOfMessages int    `json:"MaxNumberOfMessages,omitempty"`
	VisibilityTimeout   int    `json:"VisibilityTimeout,omitempty"`
}

type sqsMessage struct {
	MessageId         string            `json:"MessageId"`
	ReceiptHandle     string            `json:"ReceiptHandle"`
	Body              string            `json:"Body"`
	MessageAttributes map[string]string `json:"MessageAttributes,omitempty"`
}

type receiveMessageResponse struct {
	Messages []sqsMessage `json:"Messages"`
}

func (h *Handler) sqsReceiveMessage(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req receiveMessageRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	messages, err := h.cfg.Engine.Receive(r.Context(), sctx.namespace, namespace, name,
		req.MaxNumberOfMessages, req.VisibilityTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := receiveMessageResponse{Messages: make([]sqsMessage, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, sqsMessage{
			MessageId:         queue.FormatReceiptHandle(m.ID),
			ReceiptHandle:     queue.FormatReceiptHandle(m.ID),
			Body:              string(m.Body),
			MessageAttributes: m.Attributes,
		})
	}
	return resp, nil
}

type deleteMessageRequest struct {
	QueueUrl      string `json:"QueueUrl"`
	ReceiptHandle string `json:"ReceiptHandle"`
}

func (h *Handler) sqsDeleteMessage(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req deleteMessageRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := queue.ParseReceiptHandle(req.ReceiptHandle)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.Delete(r.Context(), sctx.namespace, namespace, name, id); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type deleteMessageBatchEntry struct {
	Id            string `json:"Id"`
	ReceiptHandle string `json:"ReceiptHandle"`
}

type deleteMessageBatchRequest struct {
	QueueUrl string                    `json:"QueueUrl"`
	Entries  []deleteMessageBatchEntry `json:"Entries"`
}

type deleteMessageBatchResultEntry struct {
	Id string `json:"Id"`
}

type deleteMessageBatchErrorEntry struct {
	Id          string `json:"Id"`
	Code        string `json:"Code"`
	Message     string `json:"Message,omitempty"`
	SenderFault bool   `json:"SenderFault"`
}

type deleteMessageBatchResponse struct {
	Successful []deleteMessageBatchResultEntry `json:"Successful"`
	Failed     []deleteMessageBatchErrorEntry  `json:"Failed,omitempty"`
}

func (h *Handler) sqsDeleteMessageBatch(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req deleteMessageBatchRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries := make([]queue.DeleteBatchEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, queue.DeleteBatchEntry{ID: e.Id, ReceiptHandle: e.ReceiptHandle})
	}
	results, err := h.cfg.Engine.DeleteBatch(r.Context(), sctx.namespace, namespace, name, entries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := deleteMessageBatchResponse{Successful: make([]deleteMessageBatchResultEntry, 0, len(results))}
	for _, res := range results {
		if res.Ok {
			resp.Successful = append(resp.Successful, deleteMessageBatchResultEntry{Id: res.ID})
			continue
		}
		resp.Failed = append(resp.Failed, deleteMessageBatchErrorEntry{
			Id:          res.ID,
			Code:        "ReceiptHandleIsInvalid",
			Message:     res.Error,
			SenderFault: true,
		})
	}
	return resp, nil
}

type listQueuesRequest struct {
	QueueNamePrefix string `json:"QueueNamePrefix,omitempty"`
}

type listQueuesResponse struct {
	QueueUrls []string `json:"QueueUrls"`
}

func (h *Handler) sqsListQueues(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req listQueuesRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	queues, err := h.cfg.Engine.ListQueues(r.Context(), sctx.namespace, sctx.namespace, req.QueueNamePrefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := listQueuesResponse{QueueUrls: make([]string, 0, len(queues))}
	for _, q := range queues {
		resp.QueueUrls = append(resp.QueueUrls, h.queueURL(q.Namespace, q.Name))
	}
	return resp, nil
}

type getQueueURLRequest struct {
	QueueName string `json:"QueueName"`
}

type getQueueURLResponse struct {
	QueueUrl string `json:"QueueUrl"`
}

func (h *Handler) sqsGetQueueURL(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req getQueueURLRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Engine.GetQueue(r.Context(), sctx.namespace, sctx.namespace, req.QueueName); err != nil {
		return nil, trace.Wrap(err)
	}
	return getQueueURLResponse{QueueUrl: h.queueURL(sctx.namespace, req.QueueName)}, nil
}

type createQueueWireRequest struct {
	QueueName  string            `json:"QueueName"`
	Attributes map[string]string `json:"Attributes,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func (h *Handler) sqsCreateQueue(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req createQueueWireRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	_, err := h.cfg.Engine.CreateQueue(r.Context(), sctx.namespace, sctx.user,
		sctx.namespace, req.QueueName, req.Attributes, req.Tags)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return getQueueURLResponse{QueueUrl: h.queueURL(sctx.namespace, req.QueueName)}, nil
}

type queueOnlyRequest struct {
	QueueUrl string `json:"QueueUrl"`
}

func (h *Handler) sqsDeleteQueue(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req queueOnlyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.DeleteQueue(r.Context(), sctx.namespace, sctx.user, namespace, name); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type getQueueAttributesRequest struct {
	QueueUrl       string   `json:"QueueUrl"`
	AttributeNames []string `json:"AttributeNames,omitempty"`
}

type getQueueAttributesResponse struct {
	Attributes map[string]string `json:"Attributes"`
}

func (h *Handler) sqsGetQueueAttributes(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req getQueueAttributesRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	attrs, err := h.cfg.Engine.GetAttributes(r.Context(), sctx.namespace, namespace, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.AttributeNames) > 0 && req.AttributeNames[0] != "All" {
		filtered := make(map[string]string, len(req.AttributeNames))
		for _, k := range req.AttributeNames {
			if v, ok := attrs[k]; ok {
				filtered[k] = v
			}
		}
		attrs = filtered
	}
	return getQueueAttributesResponse{Attributes: attrs}, nil
}

type setQueueAttributesRequest struct {
	QueueUrl   string            `json:"QueueUrl"`
	Attributes map[string]string `json:"Attributes"`
}

func (h *Handler) sqsSetQueueAttributes(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req setQueueAttributesRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.SetAttributes(r.Context(), sctx.namespace, namespace, name, req.Attributes); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

func (h *Handler) sqsPurgeQueue(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req queueOnlyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.Purge(r.Context(), sctx.namespace, namespace, name); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type listQueueTagsResponse struct {
	Tags map[string]string `json:"Tags"`
}

func (h *Handler) sqsListQueueTags(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req queueOnlyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tags, err := h.cfg.Engine.ListTags(r.Context(), sctx.namespace, namespace, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listQueueTagsResponse{Tags: tags}, nil
}

type tagQueueRequest struct {
	QueueUrl string            `json:"QueueUrl"`
	Tags     map[string]string `json:"Tags"`
}

func (h *Handler) sqsTagQueue(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req tagQueueRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.TagQueue(r.Context(), sctx.namespace, namespace, name, req.Tags); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type untagQueueRequest struct {
	QueueUrl string   `json:"QueueUrl"`
	TagKeys  []string `json:"TagKeys"`
}

func (h *Handler) sqsUntagQueue(r *http.Request, sctx *sqsContext) (interface{}, error) {
	var req untagQueueRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, name, err := parseQueueURL(req.QueueUrl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.UntagQueue(r.Context(), sctx.namespace, namespace, name, req.TagKeys); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}
