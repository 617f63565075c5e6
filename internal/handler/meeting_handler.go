package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/meetnote/internal/model"
	"github.com/xxxsen/meetnote/internal/pkg/errcode"
	"github.com/xxxsen/meetnote/internal/pkg/response"
	"github.com/xxxsen/meetnote/internal/service"
)

type MeetingHandler struct {
	meetings *service.MeetingService
}

func NewMeetingHandler(meetings *service.MeetingService) *MeetingHandler {
	return &MeetingHandler{meetings: meetings}
}

type createMeetingRequest struct {
	Title string `json:"title"`
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type meetingResponse struct {
	*model.Meeting
	Observers int `json:"observers"`
}

func (h *MeetingHandler) Create(c *gin.Context) {
	var req createMeetingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
			return
		}
	}
	m, err := h.meetings.Create(c.Request.Context(), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, m)
}

func (h *MeetingHandler) List(c *gin.Context) {
	filter := model.MeetingFilter{
		Limit:  queryUint(c, "limit"),
		Offset: queryUint(c, "offset"),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, s)
			}
		}
	}
	items, err := h.meetings.List(c.Request.Context(), filter)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"meetings": items})
}

func (h *MeetingHandler) Get(c *gin.Context) {
	id := c.Param("id")
	m, err := h.meetings.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, meetingResponse{Meeting: m, Observers: h.meetings.Observers(id)})
}

func (h *MeetingHandler) Transcript(c *gin.Context) {
	id := c.Param("id")
	text, err := h.meetings.Transcript(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"meeting_id": id, "transcript": text})
}

func (h *MeetingHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
		return
	}
	answer, err := h.meetings.Ask(c.Request.Context(), c.Param("id"), req.Question, req.TopK)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, answer)
}

func (h *MeetingHandler) Reindex(c *gin.Context) {
	n, err := h.meetings.Reindex(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"chunks": n})
}

func (h *MeetingHandler) DeleteIndex(c *gin.Context) {
	if err := h.meetings.DeleteIndex(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

func (h *MeetingHandler) Export(c *gin.Context) {
	id := c.Param("id")
	format := strings.TrimSpace(c.Query("format"))
	if format == "" {
		format = "md"
	}
	content, contentType, err := h.meetings.Export(c.Request.Context(), id, format)
	if err != nil {
		handleError(c, err)
		return
	}
	ext := "md"
	if strings.HasPrefix(contentType, "text/html") {
		ext = "html"
	}
	response.Attachment(c, "meeting-"+id+"."+ext, contentType, content)
}

// Recording redirects to the archive when it serves direct links and
// streams the WAV otherwise.
func (h *MeetingHandler) Recording(c *gin.Context) {
	id := c.Param("id")
	link, rc, err := h.meetings.Recording(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	if link != "" {
		c.Redirect(http.StatusFound, link)
		return
	}
	defer rc.Close()
	response.Stream(c, service.RecordingKey(id), "audio/wav", rc)
}
